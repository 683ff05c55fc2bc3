// Package domain declares the entity types shared by every component:
// AuthorityStore, VotingCore, RoomHub, ConnectionGateway and ExportWorker.
package domain

import "time"

type RoomId string
type ParticipantId string
type RoundId string
type VoteId string
type SessionId string
type JobId string

type Privacy string

const (
	PrivacyPublic       Privacy = "public"
	PrivacyInviteOnly   Privacy = "invite-only"
	PrivacyOrgRestricted Privacy = "org-restricted"
)

type DeckType string

const (
	DeckFibonacci  DeckType = "fibonacci"
	DeckTShirt     DeckType = "tshirt"
	DeckPowersOf2  DeckType = "powers-of-2"
	DeckCustom     DeckType = "custom"
)

type RevealBehavior string

const (
	RevealManual    RevealBehavior = "manual"
	RevealAutomatic RevealBehavior = "automatic"
	RevealOnTimer   RevealBehavior = "on-timer"
)

type ParticipantRole string

const (
	RoleHost     ParticipantRole = "host"
	RoleVoter    ParticipantRole = "voter"
	RoleObserver ParticipantRole = "observer"
)

type ExportFormat string

const (
	ExportCSV ExportFormat = "csv"
	ExportPDF ExportFormat = "pdf"
)

type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// RoomConfig governs deck, timer, and reveal behavior for a Room. It is
// embedded in Room and replaced atomically by the store's UpdateRoomConfig;
// no gateway frame updates it.
type RoomConfig struct {
	DeckType        DeckType
	CustomDeck      []string
	TimerEnabled    bool
	TimerSeconds    int
	RevealBehavior  RevealBehavior
	AllowObservers  bool
	AllowAnonymous  bool
}

// Deck returns the ordered set of valid card values for this configuration.
func (c RoomConfig) Deck() []string {
	switch c.DeckType {
	case DeckFibonacci:
		return []string{"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "89", "?", "∞", "☕"}
	case DeckTShirt:
		return []string{"XS", "S", "M", "L", "XL", "XXL", "?", "☕"}
	case DeckPowersOf2:
		return []string{"0", "1", "2", "4", "8", "16", "32", "64", "?", "☕"}
	case DeckCustom:
		return c.CustomDeck
	default:
		return nil
	}
}

// Allows reports whether cardValue is a member of this configuration's deck.
func (c RoomConfig) Allows(cardValue string) bool {
	for _, v := range c.Deck() {
		if v == cardValue {
			return true
		}
	}
	return false
}

type Room struct {
	ID           RoomId
	Title        string
	Privacy      Privacy
	OwnerUserID  *string
	OrgID        *string
	Config       RoomConfig
	CreatedAt    time.Time
	LastActiveAt time.Time
	SoftDeletedAt *time.Time
}

type Participant struct {
	ID             ParticipantId
	RoomID         RoomId
	UserID         *string
	AnonymousID    *string
	DisplayName    string
	Role           ParticipantRole
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

type Round struct {
	ID               RoundId
	RoomID           RoomId
	RoundNumber      int
	StoryTitle       string
	StartedAt        time.Time
	RevealedAt       *time.Time
	Average          *float64
	Median           *string
	ConsensusReached *bool
}

// Active reports whether the round has not yet been revealed.
func (r Round) Active() bool { return r.RevealedAt == nil }

type Vote struct {
	ID          VoteId
	RoundID     RoundId
	ParticipantID ParticipantId
	CardValue   string
	VotedAt     time.Time
}

type ParticipantSummary struct {
	ParticipantID ParticipantId
	DisplayName   string
	VoteCount     int
}

type SessionSummaryStats struct {
	TotalVotes          int
	ConsensusRate       float64
	AverageEstimateTime float64
	ConsensusRounds     int
}

type SessionHistory struct {
	SessionID    SessionId
	RoomID       RoomId
	StartedAt    time.Time
	EndedAt      *time.Time
	TotalRounds  int
	TotalStories int
	Participants []ParticipantSummary
	SummaryStats SessionSummaryStats
}

type ExportJob struct {
	ID            JobId
	UserID        string
	SessionID     SessionId
	Format        ExportFormat
	Status        ExportStatus
	DownloadURL   *string
	ErrorMessage  *string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	ExpiresAt     *time.Time
}

// Stats is the computed result of VotingCore's statistics algorithm for one
// revealed round.
type Stats struct {
	Average          *float64
	Median           *string
	ConsensusReached bool
}

// Package export implements the ExportWorker: it consumes the durable
// export-jobs stream, renders CSV/PDF session reports from AuthorityStore
// data, uploads the artifact to blob storage, and advances the job record
// (§4.6).
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"

	"github.com/planningpoker/core/internal/domain"
)

// reportRow is one (round, participant) line of a session report, the unit
// both renderers iterate over in the same deterministic order (§4.6 step 4:
// round number ascending, then participant display name ascending).
type reportRow struct {
	RoundNumber int
	StoryTitle  string
	Participant string
	CardValue   string
	Consensus   bool
	Average     *float64
	Median      *string
}

// buildRows flattens rounds/votes/participants into the deterministic row
// order every renderer shares. A round with zero votes still contributes no
// rows (nothing to report for it), matching the header's meaning of one row
// per cast vote.
func buildRows(rounds []domain.Round, votesByRound map[domain.RoundId][]domain.Vote, participants map[domain.ParticipantId]domain.Participant) []reportRow {
	var rows []reportRow
	for _, r := range rounds {
		votes := votesByRound[r.ID]
		sorted := make([]domain.Vote, len(votes))
		copy(sorted, votes)
		sort.Slice(sorted, func(i, j int) bool {
			return participants[sorted[i].ParticipantID].DisplayName < participants[sorted[j].ParticipantID].DisplayName
		})

		consensus := r.ConsensusReached != nil && *r.ConsensusReached
		for _, v := range sorted {
			rows = append(rows, reportRow{
				RoundNumber: r.RoundNumber,
				StoryTitle:  r.StoryTitle,
				Participant: participants[v.ParticipantID].DisplayName,
				CardValue:   v.CardValue,
				Consensus:   consensus,
				Average:     r.Average,
				Median:      r.Median,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].RoundNumber != rows[j].RoundNumber {
			return rows[i].RoundNumber < rows[j].RoundNumber
		}
		return rows[i].Participant < rows[j].Participant
	})
	return rows
}

var csvHeader = []string{"round", "story", "participant", "card", "consensus", "average", "median"}

// RenderCSV produces the deterministic CSV artifact for a session (§4.6 step
// 4): UTF-8, RFC 4180 quoting via encoding/csv, CRLF line terminators.
// Byte-identical across repeated calls on the same input; the tests check
// this by comparing the bytes of repeated renders.
func RenderCSV(rounds []domain.Round, votesByRound map[domain.RoundId][]domain.Vote, participants map[domain.ParticipantId]domain.Participant) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, row := range buildRows(rounds, votesByRound, participants) {
		record := []string{
			strconv.Itoa(row.RoundNumber),
			row.StoryTitle,
			row.Participant,
			row.CardValue,
			strconv.FormatBool(row.Consensus),
			formatNullableFloat(row.Average),
			formatNullableString(row.Median),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatNullableFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 2, 64)
}

func formatNullableString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

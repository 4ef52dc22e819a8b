// Package merge combines records from multiple sources into unique,
// conflict-resolved collections. It is pure in-memory bookkeeping: no
// network or disk I/O happens here.
package merge

import (
	"log/slog"

	"github.com/AntonSheinin/epg-service/internal/model"
)

// Folded is the outcome of folding one source into the aggregate: the
// merged state of every channel the source mentioned, the programs not
// seen before this fold, and the bookkeeping counts.
type Folded struct {
	Channels []model.Channel
	Programs []model.Program

	NewChannels     int
	UpdatedChannels int
	NewPrograms     int
	Duplicates      int
}

// Aggregate accumulates channels and programs across the sources of one
// fetch cycle, keyed by natural identity. Not safe for concurrent use; the
// orchestrator folds sources one at a time.
type Aggregate struct {
	channels map[string]*model.Channel
	programs map[model.ProgramKey]struct{}
	log      *slog.Logger
}

// NewAggregate creates an empty Aggregate.
func NewAggregate(log *slog.Logger) *Aggregate {
	return &Aggregate{
		channels: make(map[string]*model.Channel),
		programs: make(map[model.ProgramKey]struct{}),
		log:      log,
	}
}

// Fold merges one source's records into the aggregate. The first source to
// mention a channel wins its identity; later sources may only fill empty
// display-name/icon fields, never overwrite non-empty ones. Programs are
// deduplicated on their natural key within and across sources.
func (a *Aggregate) Fold(channels []model.Channel, programs []model.Program) Folded {
	var f Folded

	seen := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		existing, ok := a.channels[ch.XMLTVID]
		if !ok {
			c := ch
			a.channels[ch.XMLTVID] = &c
			f.NewChannels++
		} else if a.enrich(existing, ch) {
			f.UpdatedChannels++
		}
		if _, dup := seen[ch.XMLTVID]; !dup {
			seen[ch.XMLTVID] = struct{}{}
			f.Channels = append(f.Channels, *a.channels[ch.XMLTVID])
		}
	}

	for _, pr := range programs {
		key := pr.Key()
		if _, dup := a.programs[key]; dup {
			f.Duplicates++
			continue
		}
		a.programs[key] = struct{}{}
		f.Programs = append(f.Programs, pr)
		f.NewPrograms++
	}
	return f
}

// Discard removes previously folded programs from the aggregate so a later
// source can contribute them again. Used when persisting a fold fails:
// nothing reached the store, and leaving the keys behind would drop the
// same programs from every remaining source as false duplicates.
func (a *Aggregate) Discard(programs []model.Program) {
	for _, pr := range programs {
		delete(a.programs, pr.Key())
	}
}

// enrich fills empty fields of existing from ch and reports whether
// anything changed.
func (a *Aggregate) enrich(existing *model.Channel, ch model.Channel) bool {
	updated := false
	if existing.DisplayName == "" && ch.DisplayName != "" {
		existing.DisplayName = ch.DisplayName
		updated = true
	}
	if existing.IconURL == "" && ch.IconURL != "" {
		existing.IconURL = ch.IconURL
		updated = true
	}
	if updated {
		a.log.Debug("channel enriched", "xmltv_id", existing.XMLTVID, "display_name", existing.DisplayName)
	}
	return updated
}

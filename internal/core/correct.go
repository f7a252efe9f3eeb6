package core

import (
	"context"
	"fmt"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/adapters/export"
	"soundspeed/internal/parser"
	"soundspeed/internal/qc"
	"soundspeed/internal/selector"
	"soundspeed/pkg/domain"
)

// Selection is the ranked outcome of a selection. Empty is a flag, not an
// error: callers decide whether to fall back.
type Selection struct {
	Criteria   domain.Criteria
	Candidates []selector.Ranked
	Empty      bool
}

// withDefaults fills zero criteria fields from the service configuration.
func (s *Service) withDefaults(c domain.Criteria) domain.Criteria {
	if c.MaxDistance == 0 {
		c.MaxDistance = s.selection.MaxDistance
	}
	if c.MaxTimeOffset == 0 {
		c.MaxTimeOffset = s.selection.MaxTimeOffset
	}
	if len(c.Preference) == 0 {
		c.Preference = s.selection.Preference
	}
	return c
}

// Select ranks stored, QC-passing profiles against c.
func (s *Service) Select(ctx context.Context, c domain.Criteria) (Selection, error) {
	var out Selection
	err := s.run(ctx, opSelect, func(ctx context.Context) (string, error) {
		c = s.withDefaults(c)
		ranked, err := selector.Select(ctx, s.store, c)
		if err != nil {
			return "", err
		}
		out = Selection{Criteria: c, Candidates: ranked, Empty: len(ranked) == 0}
		return c.Position.String(), nil
	})
	return out, err
}

// Fallback names how a correction profile was obtained when no single
// observed profile was used.
type Fallback string

const (
	FallbackNone        Fallback = ""
	FallbackBlend       Fallback = "blend"
	FallbackClimatology Fallback = "climatology"
)

// CorrectRequest asks for a correction either against an explicit profile or
// against the best profile selected by Criteria.
type CorrectRequest struct {
	ProfileID string
	Criteria  domain.Criteria
	Geometry  domain.Geometry
	Scheme    domain.Scheme // overrides the engine default when set
	Blend     int           // averages the top n candidates when n > 1
}

// CorrectResult carries the correction and how its profile was chosen.
// Correction is nil only when selection was empty and no fallback exists.
type CorrectResult struct {
	Correction     *domain.Correction
	Profile        domain.Profile
	Fallback       Fallback
	SelectionEmpty bool
}

// Correct computes a correction. Blended and climatology profiles produce
// low-confidence corrections.
func (s *Service) Correct(ctx context.Context, req CorrectRequest) (CorrectResult, error) {
	var out CorrectResult
	err := s.run(ctx, opCorrect, func(ctx context.Context) (string, error) {
		p, res, err := s.resolveProfile(ctx, req)
		if err != nil || p == nil {
			out = res
			return req.ProfileID, err
		}
		scheme := req.Scheme
		if scheme == "" {
			scheme = s.engine.Scheme()
		}
		c, err := s.engine.ComputeWith(ctx, *p, req.Geometry, scheme)
		if err != nil {
			return p.ID, err
		}
		res.Correction, res.Profile = c, *p
		out = res
		return p.ID, nil
	})
	return out, err
}

func (s *Service) resolveProfile(ctx context.Context, req CorrectRequest) (*domain.Profile, CorrectResult, error) {
	if req.ProfileID != "" {
		p, err := s.store.Get(ctx, req.ProfileID)
		if err != nil {
			return nil, CorrectResult{}, err
		}
		return &p, CorrectResult{}, nil
	}
	c := s.withDefaults(req.Criteria)
	ranked, err := selector.Select(ctx, s.store, c)
	if err != nil {
		return nil, CorrectResult{}, err
	}
	switch {
	case len(ranked) > 1 && req.Blend > 1:
		blended, err := selector.Blend(ranked, req.Blend, c)
		if err != nil {
			return nil, CorrectResult{}, err
		}
		qualified, err := s.qualify(blended)
		if err != nil {
			return nil, CorrectResult{}, err
		}
		return &qualified, CorrectResult{Fallback: FallbackBlend}, nil
	case len(ranked) > 0:
		p := ranked[0].Profile
		return &p, CorrectResult{}, nil
	}
	res := CorrectResult{SelectionEmpty: true}
	if s.climatology == nil {
		return nil, res, nil
	}
	p, err := s.climatology.Lookup(ctx, c.Position, c.Time)
	if err != nil {
		return nil, res, err
	}
	res.Fallback = FallbackClimatology
	s.logger.Info("selection empty, using climatology", "position", c.Position.String(), "profile", p.ID, "source", p.Source)
	return &p, res, nil
}

// qualify runs QC over a generated profile so it can feed the engine.
func (s *Service) qualify(p domain.Profile) (domain.Profile, error) {
	res := qc.Validate(p, s.thresholds)
	if !res.Passed {
		return domain.Profile{}, &domain.ValidationError{ProfileID: p.ID, Reasons: res.Reasons}
	}
	p.QC = &res
	p.Status = res.Status()
	return p, nil
}

// CorrectBatch runs many correction requests on the batch pool. Each result
// line is "<profile id> <confidence>".
func (s *Service) CorrectBatch(ctx context.Context, reqs []CorrectRequest) (*batch.Handle, error) {
	units := make([]batch.Unit, len(reqs))
	for i, req := range reqs {
		name := req.ProfileID
		if name == "" {
			name = fmt.Sprintf("request-%d@%s", i, req.Criteria.Position)
		}
		units[i] = batch.Unit{Name: name, Run: func(ctx context.Context) (string, error) {
			res, err := s.Correct(ctx, req)
			if err != nil {
				return "", err
			}
			if res.Correction == nil {
				return "", fmt.Errorf("no profile selected near %s", req.Criteria.Position)
			}
			return fmt.Sprintf("%s %s", res.Correction.ProfileID, res.Correction.Confidence), nil
		}}
	}
	return s.worker.Submit(ctx, "correct", units)
}

// Export renders a correction in the target layout.
func (s *Service) Export(ctx context.Context, c *domain.Correction, target export.Target) ([]byte, error) {
	var out []byte
	err := s.run(ctx, opExport, func(context.Context) (string, error) {
		id := ""
		if c != nil {
			id = c.ProfileID
		}
		b, err := export.Export(c, target)
		out = b
		return id, err
	})
	return out, err
}

// Requalify re-decodes a profile from its archived raw bytes and runs QC
// under t, replacing the stored result. Cached corrections of the profile
// are invalidated by the resulting status change.
func (s *Service) Requalify(ctx context.Context, id string, t domain.Thresholds) (domain.StatusChange, error) {
	var change domain.StatusChange
	err := s.run(ctx, opRequalify, func(ctx context.Context) (string, error) {
		if err := qc.CheckThresholds(t); err != nil {
			return id, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		p, err := s.store.Get(ctx, id)
		if err != nil {
			return id, err
		}
		if p.Raw.Key != "" {
			data, err := s.archive.Load(ctx, p.Raw)
			if err != nil {
				return id, err
			}
			decoded, err := s.bank.ParseBytes(data, parser.Format(p.Format))
			if err != nil {
				return id, err
			}
			redecoded := p
			redecoded.Samples = decoded.Samples
			if rev := domain.ComputeRevision(redecoded); rev != p.Revision {
				return id, &domain.ConflictingRevisionError{ID: id, Existing: p.Revision, Incoming: rev}
			}
			p = redecoded
		}
		res := qc.Validate(p, t)
		c, err := s.store.UpdateQC(ctx, id, res)
		change = c
		return id, err
	})
	return change, err
}

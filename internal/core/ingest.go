package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/blob"
	"soundspeed/internal/parser"
	"soundspeed/internal/qc"
	"soundspeed/pkg/domain"
)

// profileNamespace derives ids for formats that do not carry one, so the same
// raw file always maps to the same profile.
var profileNamespace = uuid.MustParse("6c1d0b7e-3f0a-4d5e-8b7c-2a9e4f1d6b30")

// ProfileIDFor returns the id assigned to raw bytes without an embedded id.
func ProfileIDFor(data []byte) string {
	return uuid.NewSHA1(profileNamespace, []byte(blob.Checksum(data))).String()
}

// IngestResult describes one ingested file.
type IngestResult struct {
	Profile domain.Profile
	// Created is false when an identical profile was already stored.
	Created bool
}

// Ingest decodes data, archives the raw bytes, runs QC and stores the
// profile. An empty hint requests format detection.
func (s *Service) Ingest(ctx context.Context, name string, data []byte, hint parser.Format) (IngestResult, error) {
	var res IngestResult
	err := s.run(ctx, opIngest, func(ctx context.Context) (string, error) {
		p, err := s.bank.ParseBytes(data, hint)
		if err != nil {
			return name, fmt.Errorf("%s: %w", name, err)
		}
		if p.ID == "" {
			p.ID = ProfileIDFor(data)
		}
		ref, err := s.archive.Put(ctx, p.ID, p.Timestamp, p.Format, data)
		if err != nil {
			return p.ID, err
		}
		p.Raw = ref
		result := qc.Validate(p, s.thresholds)
		p.QC = &result
		p.Status = result.Status()
		p.Revision = domain.ComputeRevision(p)
		put, err := s.store.Put(ctx, p)
		if err != nil {
			return p.ID, err
		}
		res = IngestResult{Profile: put.Profile, Created: put.Created}
		s.logger.Info("profile ingested",
			"id", p.ID, "file", name, "format", p.Format, "size", humanize.Bytes(uint64(len(data))),
			"status", put.Profile.Status, "created", put.Created)
		return p.ID, nil
	})
	return res, err
}

// IngestFile is one input of a bulk ingestion. Data is read from Path when
// nil.
type IngestFile struct {
	Name string
	Path string
	Data []byte
	Hint parser.Format
}

// IngestBatch ingests files on the batch pool. A failing file is reported on
// the job and never aborts the rest.
func (s *Service) IngestBatch(ctx context.Context, files []IngestFile) (*batch.Handle, error) {
	units := make([]batch.Unit, len(files))
	for i, f := range files {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		units[i] = batch.Unit{Name: name, Run: func(ctx context.Context) (string, error) {
			data := f.Data
			if data == nil {
				b, err := os.ReadFile(f.Path)
				if err != nil {
					return "", fmt.Errorf("read %s: %w", f.Path, err)
				}
				data = b
			}
			res, err := s.Ingest(ctx, name, data, f.Hint)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s", res.Profile.ID, res.Profile.Status), nil
		}}
	}
	return s.worker.Submit(ctx, "ingest", units)
}

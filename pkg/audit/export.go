package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeRange is returned when start time is after end time.
var ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")

// ExportRequest defines the entry range to export. Zero times leave that
// side of the window open.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// EvidencePack is an exported, checksummed bundle of trail entries. The
// archive holds the entries plus a manifest with the chain head, so a
// reviewer can re-verify the chain offline.
type EvidencePack struct {
	GeneratedAt time.Time `json:"generated_at"`
	ChainHead   string    `json:"chain_head"`
	EntryCount  int       `json:"entry_count"`
	Checksum    string    `json:"checksum"`
	Archive     []byte    `json:"-"`
}

type packManifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	ChainHead   string    `json:"chain_head"`
	EntryCount  int       `json:"entry_count"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// Export bundles the entries inside the request window into a zip archive.
// The chain is verified first; a broken chain fails the export.
func (t *ChainedTrail) Export(req ExportRequest) (*EvidencePack, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, ErrInvalidTimeRange
	}
	if err := t.VerifyChain(); err != nil {
		return nil, fmt.Errorf("audit export refused: %w", err)
	}

	filter := QueryFilter{}
	if !req.StartTime.IsZero() {
		filter.StartTime = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.EndTime = &req.EndTime
	}
	entries := t.Query(filter)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize audit entries: %w", err)
	}
	w, err := zw.Create("entries.json")
	if err != nil {
		return nil, fmt.Errorf("create archive entry: %w", err)
	}
	if _, err := w.Write(entriesJSON); err != nil {
		return nil, fmt.Errorf("write audit entries: %w", err)
	}

	manifest := packManifest{
		GeneratedAt: t.clock().UTC(),
		ChainHead:   t.ChainHead(),
		EntryCount:  len(entries),
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize manifest: %w", err)
	}
	mw, err := zw.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("create manifest entry: %w", err)
	}
	if _, err := mw.Write(manifestJSON); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &EvidencePack{
		GeneratedAt: manifest.GeneratedAt,
		ChainHead:   manifest.ChainHead,
		EntryCount:  len(entries),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		Archive:     buf.Bytes(),
	}, nil
}

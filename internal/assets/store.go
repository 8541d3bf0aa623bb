// Package assets persists asset bundles and reports under a tenant-prefixed
// namespace. Backends implement ObjectStore; the Store maps bundles onto a
// fixed object layout:
//
//	{workspaceID}/{jobID}/dom.html
//	{workspaceID}/{jobID}/stylesheets.css
//	{workspaceID}/{jobID}/screenshot.png
//	{workspaceID}/{jobID}/meta.json
//	{workspaceID}/{jobID}/report.json
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// ErrObjectNotFound is returned by backends for missing objects.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore reads and writes raw objects by path.
type ObjectStore interface {
	Put(ctx context.Context, path, contentType string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
}

// Store implements pipeline.BundleStore over any ObjectStore.
type Store struct {
	objects ObjectStore
}

// NewStore constructs a Store.
func NewStore(objects ObjectStore) *Store {
	return &Store{objects: objects}
}

const (
	objectDOM         = "dom.html"
	objectStylesheets = "stylesheets.css"
	objectScreenshot  = "screenshot.png"
	objectMeta        = "meta.json"
	objectReport      = "report.json"
)

// PutBundle writes the bundle objects. Writes are idempotent overwrites keyed
// by the job namespace, so a redelivered fetch task is safe.
func (s *Store) PutBundle(ctx context.Context, bundle pipeline.Bundle) error {
	ref := bundle.Ref
	if ref.WorkspaceID == "" || ref.JobID == "" {
		return fmt.Errorf("bundle ref is incomplete: %w", pipeline.ErrInvalidRequest)
	}
	if err := s.objects.Put(ctx, ref.Prefix()+"/"+objectDOM, "text/html; charset=utf-8", bundle.DOM); err != nil {
		return fmt.Errorf("put dom: %w", err)
	}
	if err := s.objects.Put(ctx, ref.Prefix()+"/"+objectStylesheets, "text/css", bundle.Stylesheets); err != nil {
		return fmt.Errorf("put stylesheets: %w", err)
	}
	if len(bundle.Screenshot) > 0 {
		if err := s.objects.Put(ctx, ref.Prefix()+"/"+objectScreenshot, "image/png", bundle.Screenshot); err != nil {
			return fmt.Errorf("put screenshot: %w", err)
		}
	}
	meta, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle meta: %w", err)
	}
	// meta.json is written last: its presence means the bundle is complete.
	if err := s.objects.Put(ctx, ref.Prefix()+"/"+objectMeta, "application/json", meta); err != nil {
		return fmt.Errorf("put meta: %w", err)
	}
	return nil
}

// GetBundle reads a bundle back, verifying the workspace boundary against the
// persisted metadata.
func (s *Store) GetBundle(ctx context.Context, ref pipeline.BundleRef) (pipeline.Bundle, error) {
	meta, err := s.objects.Get(ctx, ref.Prefix()+"/"+objectMeta)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return pipeline.Bundle{}, pipeline.ErrNotFound
		}
		return pipeline.Bundle{}, fmt.Errorf("get meta: %w", err)
	}
	var bundle pipeline.Bundle
	if err := json.Unmarshal(meta, &bundle); err != nil {
		return pipeline.Bundle{}, fmt.Errorf("unmarshal bundle meta: %w", err)
	}
	if bundle.Ref.WorkspaceID != ref.WorkspaceID || bundle.Ref.JobID != ref.JobID {
		return pipeline.Bundle{}, pipeline.ErrWorkspaceMismatch
	}
	if bundle.DOM, err = s.objects.Get(ctx, ref.Prefix()+"/"+objectDOM); err != nil {
		return pipeline.Bundle{}, fmt.Errorf("get dom: %w", err)
	}
	if bundle.Stylesheets, err = s.objects.Get(ctx, ref.Prefix()+"/"+objectStylesheets); err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			return pipeline.Bundle{}, fmt.Errorf("get stylesheets: %w", err)
		}
	}
	if bundle.Screenshot, err = s.objects.Get(ctx, ref.Prefix()+"/"+objectScreenshot); err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			return pipeline.Bundle{}, fmt.Errorf("get screenshot: %w", err)
		}
		bundle.Screenshot = nil
	}
	return bundle, nil
}

// PutReport writes the summarize output into the bundle namespace.
func (s *Store) PutReport(ctx context.Context, ref pipeline.BundleRef, report pipeline.Report) error {
	if report.WorkspaceID != ref.WorkspaceID || report.JobID != ref.JobID {
		return pipeline.ErrWorkspaceMismatch
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.objects.Put(ctx, ref.Prefix()+"/"+objectReport, "application/json", data); err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	return nil
}

// GetReport reads the summarize output back.
func (s *Store) GetReport(ctx context.Context, ref pipeline.BundleRef) (pipeline.Report, error) {
	data, err := s.objects.Get(ctx, ref.Prefix()+"/"+objectReport)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return pipeline.Report{}, pipeline.ErrNotFound
		}
		return pipeline.Report{}, fmt.Errorf("get report: %w", err)
	}
	var report pipeline.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return pipeline.Report{}, fmt.Errorf("unmarshal report: %w", err)
	}
	if report.WorkspaceID != ref.WorkspaceID || report.JobID != ref.JobID {
		return pipeline.Report{}, pipeline.ErrWorkspaceMismatch
	}
	return report, nil
}

package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps synthesized clips and raw recordings on disk,
// one directory per job. References have the form "jobID/name" and are
// what Job and Step records point at.
type ArtifactStore struct {
	root string
}

func NewArtifactStore(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &ArtifactStore{root: root}, nil
}

// Create opens a writer for a new artifact and returns its reference.
func (a *ArtifactStore) Create(jobID, name string) (io.WriteCloser, string, error) {
	ref := jobID + "/" + name
	if err := validateRef(ref); err != nil {
		return nil, "", err
	}
	dir := filepath.Join(a.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create job directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("create artifact: %w", err)
	}
	return f, ref, nil
}

// Put stores the full contents of r as an artifact.
func (a *ArtifactStore) Put(jobID, name string, r io.Reader) (string, error) {
	w, ref, err := a.Create(jobID, name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return ref, nil
}

func (a *ArtifactStore) Open(ref string) (io.ReadCloser, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(a.root, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// RemoveJob deletes every artifact belonging to one job.
func (a *ArtifactStore) RemoveJob(jobID string) error {
	if err := validateRef(jobID + "/x"); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(a.root, jobID))
}

func validateRef(ref string) error {
	if ref == "" || strings.Contains(ref, "..") ||
		strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return fmt.Errorf("invalid artifact reference %q", ref)
	}
	return nil
}

// Package artifact maps data pool objects to the volume files backing them.
//
// Files live under one subtree per project, then one per kind and, for
// automatic segmentations, one per model:
//
//	<short_name>/images/<id>.nii.gz
//	<short_name>/manual_segmentations/<id>.nii.gz
//	<short_name>/automatic_segmentations/<model_id>/<id>.nii.gz
//
// Writes are staged first and only become visible on Commit, so callers can
// order the file rename before their metadata commit.
package artifact

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/storage"
	"github.com/issm/issm/internal/validation"
	"github.com/issm/issm/internal/volume"
)

// headerWindow is how much of an upload is buffered to validate it before anything is written
const headerWindow = 64 << 10

var kindDirs = map[model.Kind]string{
	model.KindImage:                 "images",
	model.KindManualSegmentation:    "manual_segmentations",
	model.KindAutomaticSegmentation: "automatic_segmentations",
}

type Store struct {
	storage  storage.Storage
	codec    volume.Codec
	maxBytes int64
}

// New creates a store. maxBytes <= 0 disables the upload size limit.
func New(st storage.Storage, codec volume.Codec, maxBytes int64) *Store {
	return &Store{storage: st, codec: codec, maxBytes: maxBytes}
}

// Key returns the storage path of the artifact identified by key inside project.
func (s *Store) Key(project *model.Project, key model.ArtifactKey) (string, error) {
	if key.ID <= 0 {
		return "", apperr.New(apperr.ErrEntityNotPersisted, "%s has no id yet", key.Kind)
	}

	dir, ok := kindDirs[key.Kind]
	if !ok {
		return "", apperr.New(apperr.ErrValidation, "unknown artifact kind %q", key.Kind)
	}

	if project == nil || validation.ValidateShortName(project.ShortName) != nil {
		return "", apperr.New(apperr.ErrValidation, "project short name is not usable as a path")
	}

	file := strconv.FormatInt(key.ID, 10) + s.codec.Extension()
	if key.Kind == model.KindAutomaticSegmentation {
		if key.ModelID <= 0 {
			return "", apperr.New(apperr.ErrEntityNotPersisted, "automatic segmentation has no model id")
		}
		return path.Join(project.ShortName, dir, strconv.FormatInt(key.ModelID, 10), file), nil
	}

	return path.Join(project.ShortName, dir, file), nil
}

// ResolvePath returns the location of a's file and creates its directory if needed.
func (s *Store) ResolvePath(project *model.Project, a model.Artifact) (string, error) {
	key, err := s.Key(project, a.ArtifactKey())
	if err != nil {
		return "", err
	}

	location, err := s.storage.Locate(key)
	if err != nil {
		return "", apperr.Storage(err, "failed to prepare %s", key)
	}
	return location, nil
}

// Volume is an upload whose header has been checked but whose body has not been read.
type Volume struct {
	Shape volume.Shape
	r     io.Reader
}

// Inspect validates the header of r and reports its shape. Nothing is written
// and r is consumed only as far as the header window.
func (s *Store) Inspect(r io.Reader) (*Volume, error) {
	br := bufio.NewReaderSize(r, headerWindow)
	head, err := br.Peek(headerWindow)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, apperr.Storage(err, "failed to read volume")
	}

	shape, err := s.codec.Shape(bytes.NewReader(head))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidVolume, err, "volume rejected")
	}

	var body io.Reader = br
	if s.maxBytes > 0 {
		body = &limitReader{r: br, remaining: s.maxBytes}
	}

	return &Volume{Shape: shape, r: body}, nil
}

// ShapeOf reports the shape of the volume in r.
func (s *Store) ShapeOf(r io.Reader) (volume.Shape, error) {
	v, err := s.Inspect(r)
	if err != nil {
		return nil, err
	}
	return v.Shape, nil
}

// Stage streams v to a hidden location next to a's file while the codec
// validates the full body. The file becomes visible on Commit of the returned
// handle. A damaged body is InvalidVolume; on any error nothing is left behind.
func (s *Store) Stage(ctx context.Context, project *model.Project, a model.Artifact, v *Volume) (storage.Staged, error) {
	key, err := s.Key(project, a.ArtifactKey())
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	verdict := make(chan error, 1)
	go func() {
		src := &sourceReader{r: pr}
		err := s.codec.Validate(src)
		if src.err != nil {
			// The writer side gave up; Stage reports why
			err = nil
		}
		if err == nil {
			_, _ = io.Copy(io.Discard, src)
		}
		pr.CloseWithError(err)
		verdict <- err
	}()

	staged, stageErr := s.storage.Stage(ctx, key, io.TeeReader(v.r, pw))
	pw.CloseWithError(stageErr)
	invalid := <-verdict

	if invalid != nil {
		if staged != nil {
			discardErr := staged.Discard()
			if discardErr != nil {
				slog.Warn("failed to discard rejected volume", "path", key, "error", discardErr)
			}
		}
		return nil, apperr.Wrap(apperr.ErrInvalidVolume, invalid, "volume rejected")
	}
	if stageErr != nil {
		return nil, apperr.Storage(stageErr, "failed to write %s", key)
	}
	return staged, nil
}

// sourceReader remembers a read failure of the underlying stream so a
// validation error caused by it is not mistaken for a damaged volume.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

// Write validates r and replaces a's file with it.
func (s *Store) Write(ctx context.Context, project *model.Project, a model.Artifact, r io.Reader) error {
	// The path needs an id, so check it before reading anything
	_, err := s.Key(project, a.ArtifactKey())
	if err != nil {
		return err
	}

	v, err := s.Inspect(r)
	if err != nil {
		return err
	}

	staged, err := s.Stage(ctx, project, a, v)
	if err != nil {
		return err
	}

	err = staged.Commit(ctx)
	if err != nil {
		return apperr.Storage(err, "failed to replace volume")
	}
	return nil
}

// Open streams a's file. A missing file is reported as ArtifactMissing.
func (s *Store) Open(ctx context.Context, project *model.Project, a model.Artifact) (io.ReadCloser, error) {
	key, err := s.Key(project, a.ArtifactKey())
	if err != nil {
		return nil, err
	}

	rc, err := s.storage.Open(ctx, key)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, apperr.New(apperr.ErrArtifactMissing, "no volume stored for %s %d", a.ArtifactKey().Kind, a.ArtifactKey().ID)
	}
	if err != nil {
		return nil, apperr.Storage(err, "failed to open %s", key)
	}
	return rc, nil
}

// Read returns the whole file of a. Prefer Open for large volumes.
func (s *Store) Read(ctx context.Context, project *model.Project, a model.Artifact) ([]byte, error) {
	rc, err := s.Open(ctx, project, a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.Storage(err, "failed to read volume")
	}
	return data, nil
}

// Exists reports whether a has a stored file.
func (s *Store) Exists(ctx context.Context, project *model.Project, a model.Artifact) (bool, error) {
	key, err := s.Key(project, a.ArtifactKey())
	if err != nil {
		return false, err
	}

	ok, err := s.storage.Exists(ctx, key)
	if err != nil {
		return false, apperr.Storage(err, "failed to stat %s", key)
	}
	return ok, nil
}

// ShapeOfArtifact reads the header of a's stored file.
func (s *Store) ShapeOfArtifact(ctx context.Context, project *model.Project, a model.Artifact) (volume.Shape, error) {
	rc, err := s.Open(ctx, project, a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	shape, err := s.codec.Shape(rc)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidVolume, err, "stored volume is unreadable")
	}
	return shape, nil
}

// Delete removes a's file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, project *model.Project, a model.Artifact) error {
	key, err := s.Key(project, a.ArtifactKey())
	if err != nil {
		return err
	}

	err = s.storage.Delete(ctx, key)
	if err != nil {
		return apperr.Storage(err, "failed to delete %s", key)
	}
	return nil
}

// DeleteAll removes the files of every artifact and stops at the first failure.
func (s *Store) DeleteAll(ctx context.Context, project *model.Project, artifacts []model.Artifact) error {
	for _, a := range artifacts {
		err := s.Delete(ctx, project, a)
		if err != nil {
			return err
		}
	}
	return nil
}

type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Probe for one more byte to tell an exact fit from an oversized upload
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, apperr.New(apperr.ErrValidation, "volume exceeds the upload limit")
		}
		return 0, err
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

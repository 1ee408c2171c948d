package controlplane

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/rs/zerolog/log"
)

// Export writes a zip bundle of the latest version of every artifact in a
// session. Artifacts captured without content are read from the output
// directory; files that have since disappeared are skipped.
func (s *Service) Export(ctx context.Context, sessionID string, w io.Writer) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	latest, err := s.store.ListArtifacts(ctx, sessionID, false)
	if err != nil {
		return err
	}

	var root *os.Root
	if session.OutputDir != "" {
		if r, err := os.OpenRoot(session.OutputDir); err == nil {
			root = r
			defer root.Close()
		}
	}

	zw := zip.NewWriter(w)
	for _, a := range latest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addArtifact(zw, root, a); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Str("path", a.FilePath).Msg("export skipped artifact")
		}
	}
	return zw.Close()
}

func addArtifact(zw *zip.Writer, root *os.Root, a models.Artifact) error {
	hdr := &zip.FileHeader{
		Name:     filepath.ToSlash(a.FilePath),
		Method:   zip.Deflate,
		Modified: a.CreatedAt,
	}
	if hdr.Modified.IsZero() {
		hdr.Modified = time.Now()
	}

	if a.Content != "" || a.Size == 0 {
		f, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.WriteString(f, a.Content)
		return err
	}

	if root == nil {
		return fmt.Errorf("no content stored and output directory unavailable")
	}
	src, err := root.Open(filepath.FromSlash(a.FilePath))
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, src)
	return err
}

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/mq"
	"github.com/forge-ai/testforge/shared/testfile"
	"github.com/rs/zerolog/log"
)

type writer struct {
	root string
	pub  mq.Publisher
}

func (w *writer) handle(ctx context.Context, body []byte) error {
	p, err := events.Unwrap[events.TestgenCompletePayload](body)
	if err != nil {
		return err
	}
	if err := w.write(ctx, *p); err != nil {
		mq.EmitLog(ctx, w.pub, p.JobID, "error", "write_failed", err.Error(), nil)
		perr := mq.PublishEvent(ctx, w.pub, events.TestgenFailed, events.TestgenFailedPayload{
			JobID:     p.JobID,
			ClassName: p.ClassName,
			Kind:      events.KindWrite,
			Error:     err.Error(),
		})
		if perr != nil {
			log.Warn().Err(perr).Str("job", p.JobID).Msg("write failure not published")
		}
		return err
	}
	return nil
}

func (w *writer) write(ctx context.Context, p events.TestgenCompletePayload) error {
	source, err := w.sourcePath(p)
	if err != nil {
		return err
	}

	path, created, err := testfile.Write(testfile.Target{
		SourcePath:    source,
		PackageName:   p.PackageName,
		TestClassName: p.TestClassName,
	}, p.Code)
	if err != nil {
		return err
	}

	log.Info().
		Str("job", p.JobID).
		Str("path", path).
		Bool("created", created).
		Msg("test file written")

	msg := fmt.Sprintf("created %s", path)
	if !created {
		msg = fmt.Sprintf("%s already exists, left untouched", path)
	}
	mq.EmitLog(ctx, w.pub, p.JobID, "success", "file_written", msg, nil)

	return mq.PublishEvent(ctx, w.pub, events.TestFileWritten, events.TestFileWrittenPayload{
		JobID:         p.JobID,
		TestClassName: p.TestClassName,
		Path:          path,
		Created:       created,
	})
}

// sourcePath resolves the class location inside root. Jobs without a
// path are laid out Maven style from their package.
func (w *writer) sourcePath(p events.TestgenCompletePayload) (string, error) {
	root := filepath.Clean(w.root)
	src := p.SourcePath
	if src == "" {
		pkgDir := filepath.FromSlash(strings.ReplaceAll(p.PackageName, ".", "/"))
		return filepath.Join(root, "src", "main", "java", pkgDir, p.ClassName+testfile.Ext), nil
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(root, src)
	}
	src = filepath.Clean(src)

	rel, err := filepath.Rel(root, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source path %s is outside project root %s", p.SourcePath, root)
	}
	return src, nil
}

package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Opener builds the converter a worker process uses for its whole life.
// The returned closer releases the store handle.
type Opener func(ctx context.Context) (wiki.Converter, io.Closer, error)

// Serve runs the child side of the protocol until in reaches EOF or ctx
// ends. A failed Opener is reported to the parent and returned wrapped in
// wiki.ErrStoreInit.
func Serve(ctx context.Context, in io.Reader, out io.Writer, open Opener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := newLineWriter(out)

	conv, closer, err := open(ctx)
	if err != nil {
		_ = w.write(Response{Fatal: err.Error()})
		return fmt.Errorf("%w: %w", wiki.ErrStoreInit, err)
	}
	defer func() {
		if closer == nil {
			return
		}
		if cerr := closer.Close(); cerr != nil {
			logger.Warn("close store failed", zap.Error(cerr))
		}
	}()

	if err := w.write(Response{Ready: true}); err != nil {
		return err
	}
	logger.Debug("worker ready")

	r := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			logger.Debug("input closed, worker exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		outcome := conv.Convert(ctx, req.Title)
		if err := w.write(responseFromOutcome(outcome)); err != nil {
			return err
		}
	}
}

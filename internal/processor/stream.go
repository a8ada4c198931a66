package processor

import (
	"context"
	"io"

	json "github.com/goccy/go-json"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

// Stream is a single-use sequence of text fragments followed by the final
// envelope. The fragment channel is closed before Result becomes available.
type Stream struct {
	fragments chan string
	done      chan struct{}
	resp      types.Response
	err       error
}

// Fragments yields generated text pieces in order.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Wait blocks until the request finished and returns its envelope and error.
func (s *Stream) Wait() (types.Response, error) {
	<-s.done
	return s.resp, s.err
}

// Stream starts req and returns immediately. Fragments are buffered for the
// whole generation, so a slow reader never stalls the model.
func (p *Processor) Stream(ctx context.Context, req types.SubmitRequest) *Stream {
	n := p.Config().With(req.Config).Normalize().NPredict
	s := &Stream{
		fragments: make(chan string, n+1),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		sent := 0
		resp, err := p.execute(ctx, req, func(_ backend.Token, text string) {
			if sent < n {
				s.fragments <- text
				sent++
			}
		})
		// remote devices answer in one piece
		if text := resp.Response + resp.Partial; sent == 0 && text != "" {
			s.fragments <- text
		}
		close(s.fragments)
		s.resp, s.err = resp, err
	}()
	return s
}

// Infer streams req as NDJSON lines: one {"token":...} per fragment and a
// final {"done":true,...} summary. flush, when non-nil, runs after each
// line. A failing writer cancels generation.
func (p *Processor) Infer(ctx context.Context, req types.SubmitRequest, w io.Writer, flush func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	enc := json.NewEncoder(w)
	s := p.Stream(ctx, req)

	var werr error
	for frag := range s.Fragments() {
		if werr != nil {
			continue
		}
		if werr = enc.Encode(types.StreamChunk{Token: frag}); werr != nil {
			cancel()
			continue
		}
		if flush != nil {
			flush()
		}
	}
	resp, err := s.Wait()
	if werr != nil {
		return werr
	}
	final := types.StreamChunk{
		Done:       true,
		Content:    resp.Response + resp.Partial,
		StopReason: resp.StopReason,
		Incomplete: resp.Incomplete,
		Usage:      resp.Usage,
	}
	if err != nil {
		final.Error = resp.Error
	}
	if werr = enc.Encode(final); werr != nil {
		return werr
	}
	if flush != nil {
		flush()
	}
	return nil
}

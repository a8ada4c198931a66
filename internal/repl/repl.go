// Package repl is the line-oriented interactive front end: one prompt per
// line, answered on the same terminal.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"inferd/internal/processor"
	"inferd/pkg/types"
)

// Streamer starts a request and yields its fragments.
type Streamer interface {
	Stream(ctx context.Context, req types.SubmitRequest) *processor.Stream
}

// Options tunes a session. Zero values are fine.
type Options struct {
	// Prompt is printed before each line is read.
	Prompt string
	// Config overrides applied to every request.
	Config *types.ConfigOverrides
}

// Run reads prompts from in until EOF, "quit" or "exit", writing generated
// text to out as it streams. Requests are numbered local_1, local_2, ...;
// blank lines are skipped without consuming a number. It returns the number
// of requests submitted.
func Run(ctx context.Context, s Streamer, in io.Reader, out io.Writer, opts Options) (int, error) {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = "> "
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return n, scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return n, nil
		}
		n++
		if err := ask(ctx, s, out, types.SubmitRequest{
			ID:     "local_" + strconv.Itoa(n),
			Prompt: line,
			Config: opts.Config,
			Local:  true,
		}); err != nil {
			return n, err
		}
	}
}

func ask(ctx context.Context, s Streamer, out io.Writer, req types.SubmitRequest) error {
	st := s.Stream(ctx, req)
	var werr error
	for frag := range st.Fragments() {
		if werr == nil {
			_, werr = io.WriteString(out, frag)
		}
	}
	resp, _ := st.Wait()
	if werr != nil {
		return werr
	}
	if !resp.Success {
		_, err := fmt.Fprintf(out, "\nerror: %s\n", resp.Error)
		return err
	}
	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.CompletionTokens
	}
	_, err := fmt.Fprintf(out, "\n[%s] %d tokens in %d ms (%s)\n", resp.RequestID, tokens, resp.ProcessingTimeMs, resp.StopReason)
	return err
}

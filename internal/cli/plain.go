package cli

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/codefionn/pairspace/internal/consts"
)

// RunPlain reads commands line by line from in until EOF, /quit or ctx is
// done. Results and errors go to the print observer's stream.
func RunPlain(ctx context.Context, in io.Reader, exec *Executor, out *PrintObserver) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, consts.BufferSize64KB), consts.BufferSize1MB)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if line == "" {
				continue
			}
			cmd, err := Parse(line)
			if err != nil {
				out.Alert(err.Error())
				continue
			}
			result, err := exec.Execute(ctx, cmd)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				out.Alert(err.Error())
				continue
			}
			out.write(result)
		}
	}
}

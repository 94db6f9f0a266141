package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// logRenderer is a headless renderer: it reports every command on the log
// and completes drills instantly. A desktop build swaps in a windowed one.
type logRenderer struct{}

func (logRenderer) ShowMessage(title, body string, lifespan time.Duration) error {
	slog.Info("Message", "title", title, "body", body, "lifespan", lifespan)
	return nil
}

func (logRenderer) OpenURL(url string) error {
	slog.Info("Open URL", "url", url)
	return nil
}

func (logRenderer) ShowImage(url string) error {
	slog.Info("Image popup", "url", url)
	return nil
}

func (logRenderer) StartDrill(text string, reps int, done func()) error {
	slog.Info("Writing drill", "text", text, "reps", reps)
	done()
	return nil
}

// stdinPrompter asks the operator to paste an enrollment code on the
// terminal.
type stdinPrompter struct{}

func (stdinPrompter) EnrollCode(ctx context.Context) (string, error) {
	fmt.Print("Enter enrollment code: ")

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		return strings.TrimSpace(r.line), nil
	}
}

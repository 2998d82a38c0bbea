package kibitz

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStreamClosed is returned by Watch when the server ends the stream
// before sending a finished snapshot.
var ErrStreamClosed = errors.New("kibitz: stream closed before the session finished")

// Watch follows a session over Server-Sent Events and calls fn with every
// snapshot in revision order, starting with the current one. It returns nil
// once fn has seen a finished snapshot, the first error fn returns, or the
// context error when ctx is cancelled.
func (c *Client) Watch(ctx context.Context, id string, fn func(Snapshot) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, sessionPath(id, "/subscribe"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("kibitz: GET %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, func(event, data string) error {
		if event != "snapshot" {
			return nil
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return fmt.Errorf("kibitz: decode snapshot event: %w", err)
		}
		if err := fn(snap); err != nil {
			return err
		}
		if snap.Status.Finished() {
			return errDone
		}
		return nil
	})
	switch {
	case errors.Is(err, errDone):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return err
	default:
		return ErrStreamClosed
	}
}

var errDone = errors.New("done")

// readEvents parses a text/event-stream body, calling emit once per event.
// Comment lines are skipped and multi-line data fields are joined with "\n".
func readEvents(r io.Reader, emit func(event, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				if err := emit(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return sc.Err()
}

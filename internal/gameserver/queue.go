package gameserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one queued command.
type Result struct {
	Response string
	Err      error
}

// Pending is the future for an enqueued command. It resolves exactly once:
// with the response, a command error, a timeout, or a disconnect.
type Pending struct {
	Command string

	once sync.Once
	res  Result
	done chan struct{}
}

func newPending(command string) *Pending {
	return &Pending{Command: command, done: make(chan struct{})}
}

func (p *Pending) resolve(res Result) {
	p.once.Do(func() {
		p.res = res
		close(p.done)
	})
}

// Done is closed when the command has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the command resolves or ctx expires.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.res.Response, p.res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send enqueues a command and returns its future. Commands enqueued while
// disconnected resolve immediately with ErrNotConnected.
func (a *Adapter) Send(command string) *Pending {
	p := newPending(strings.TrimSpace(command))
	if p.Command == "" {
		p.resolve(Result{Err: errors.New("gameserver: empty command")})
		return p
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		p.resolve(Result{Err: ErrClosed})
		return p
	}
	if a.state != StateConnected {
		a.mu.Unlock()
		p.resolve(Result{Err: ErrNotConnected})
		return p
	}
	a.queue = append(a.queue, p)
	if n := len(a.queue); n > a.met.QueueHighWater {
		a.met.QueueHighWater = n
	}
	a.mu.Unlock()

	a.kick()
	return p
}

// SendCommand enqueues a command and waits for its result.
func (a *Adapter) SendCommand(ctx context.Context, command string) (string, error) {
	return a.Send(command).Wait(ctx)
}

func (a *Adapter) kick() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

// minInterval is the enforced spacing between command sends.
func (a *Adapter) minInterval() time.Duration {
	return time.Duration(float64(time.Second) / a.cfg.MaxCommandsPerSecond)
}

// dispatch drains the queue one command at a time, holding the send spacing
// between them. It runs from New until Shutdown.
func (a *Adapter) dispatch() {
	defer close(a.dispatchDone)
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.kickCh:
		}
		for {
			wait, ok := a.pending()
			if !ok {
				break
			}
			if wait > 0 {
				select {
				case <-a.stopCh:
					return
				case <-time.After(wait):
				}
				continue
			}
			conn, p := a.pop()
			if p == nil {
				continue
			}
			a.execute(conn, p)
		}
	}
}

// pending reports whether a command is ready and how long the dispatcher
// must still wait to honor the send spacing.
func (a *Adapter) pending() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateConnected || len(a.queue) == 0 || a.inFlight != nil {
		return 0, false
	}
	wait := a.minInterval() - time.Since(a.lastSentAt)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (a *Adapter) pop() (Transport, *Pending) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateConnected || len(a.queue) == 0 || a.inFlight != nil {
		return nil, nil
	}
	p := a.queue[0]
	a.queue = a.queue[1:]
	a.inFlight = p
	return a.conn, p
}

// execute runs one command against the transport. Timeouts reject only the
// command; other transport errors tear the connection down.
func (a *Adapter) execute(conn Transport, p *Pending) {
	now := time.Now()
	a.mu.Lock()
	a.lastSentAt = now
	a.met.CommandsSent++
	a.met.LastCommandAt = now
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CommandTimeout)
	resp, err := conn.Execute(ctx, p.Command)
	cancel()

	a.mu.Lock()
	a.inFlight = nil
	a.mu.Unlock()

	switch {
	case err == nil:
		if msg, bad := commandError(resp); bad {
			a.mu.Lock()
			a.met.CommandsFailed++
			a.mu.Unlock()
			p.resolve(Result{Response: resp, Err: fmt.Errorf("%w: %s", ErrCommandFailed, msg)})
		} else {
			p.resolve(Result{Response: resp})
		}
		// JSON object responses carry their feedback in structured
		// fields; DispatchTask routes those to the parser itself.
		if !strings.HasPrefix(strings.TrimSpace(resp), "{") {
			a.IngestFeedback(resp)
		}
	case isTimeout(err):
		a.mu.Lock()
		a.met.CommandsTimedOut++
		a.mu.Unlock()
		a.logger.Warn("command timed out", "command", p.Command, "timeout", a.cfg.CommandTimeout)
		p.resolve(Result{Err: fmt.Errorf("%w after %s: %s", ErrCommandTimeout, a.cfg.CommandTimeout, p.Command)})
	default:
		a.mu.Lock()
		a.met.CommandsFailed++
		a.mu.Unlock()
		p.resolve(Result{Err: fmt.Errorf("gameserver: transport: %w", err)})
		a.connLost(err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorMarkers are the response substrings the server uses to report a
// failed command. Matching is case-insensitive.
var errorMarkers = []string{"unknown command", "no such player", "error", "failed"}

// commandError reports whether a response text signals a server-side
// command failure, returning the first offending line.
func commandError(resp string) (string, bool) {
	lower := strings.ToLower(resp)
	for _, marker := range errorMarkers {
		if idx := strings.Index(lower, marker); idx >= 0 {
			line := resp
			if nl := strings.IndexByte(resp[idx:], '\n'); nl >= 0 {
				line = resp[:idx+nl]
			}
			if start := strings.LastIndexByte(line[:idx], '\n'); start >= 0 {
				line = line[start+1:]
			}
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

var placeholderPattern = regexp.MustCompile(`\{[A-Za-z0-9_]+\}`)

// RegisterCommandTemplate stores a named command template. Placeholders use
// {name} syntax and are substituted by ExecuteCommandTemplate.
func (a *Adapter) RegisterCommandTemplate(name, template string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("gameserver: template name is required")
	}
	if strings.TrimSpace(template) == "" {
		return errors.New("gameserver: template body is required")
	}
	a.mu.Lock()
	a.templates[name] = template
	a.mu.Unlock()
	return nil
}

// ExecuteCommandTemplate substitutes vars into a registered template and
// sends the result. Unresolved placeholders are an error.
func (a *Adapter) ExecuteCommandTemplate(ctx context.Context, name string, vars map[string]string) (string, error) {
	a.mu.Lock()
	template, ok := a.templates[name]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("gameserver: unknown command template %q", name)
	}
	command := template
	for k, v := range vars {
		command = strings.ReplaceAll(command, "{"+k+"}", v)
	}
	if leftover := placeholderPattern.FindString(command); leftover != "" {
		return "", fmt.Errorf("gameserver: template %q missing value for %s", name, leftover)
	}
	return a.SendCommand(ctx, command)
}

// BatchOptions controls SendBatch execution.
type BatchOptions struct {
	// Parallel fans the batch out concurrently; responses keep their
	// input order. Sequential batches stop at the first failure.
	Parallel bool
	// Delay is the extra pause between sequential commands, on top of
	// the adapter's own send spacing.
	Delay time.Duration
}

// SendBatch sends a set of commands and returns their responses in input
// order.
func (a *Adapter) SendBatch(ctx context.Context, commands []string, opts BatchOptions) ([]string, error) {
	responses := make([]string, len(commands))
	if opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, command := range commands {
			i, command := i, command
			g.Go(func() error {
				resp, err := a.SendCommand(gctx, command)
				if err != nil {
					return fmt.Errorf("command %d (%s): %w", i, command, err)
				}
				responses[i] = resp
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return responses, err
		}
		return responses, nil
	}

	for i, command := range commands {
		if i > 0 && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return responses, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
		resp, err := a.SendCommand(ctx, command)
		if err != nil {
			return responses, fmt.Errorf("command %d (%s): %w", i, command, err)
		}
		responses[i] = resp
	}
	return responses, nil
}

package dnsprovider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manual asks an operator to create the record by hand.
type Manual struct {
	out         io.Writer
	in          *bufio.Reader
	autoConfirm bool
	wait        time.Duration
	logger      *zap.Logger

	// mu serialises prompts so two challenges never interleave on the terminal.
	mu sync.Mutex

	// lines carries one read result per input line from a single reader
	// goroutine, so a prompt abandoned mid-read does not swallow the next
	// confirmation.
	lines      chan error
	readerOnce sync.Once
}

var _ Provider = (*Manual)(nil)

// NewManual writes instructions to out and reads confirmations from in. With
// autoConfirm no input is read. wait is the fixed settle time before the record
// is reported as propagated.
func NewManual(out io.Writer, in io.Reader, autoConfirm bool, wait time.Duration, logger *zap.Logger) *Manual {
	if logger == nil {
		logger = zap.L()
	}
	m := &Manual{
		out:         out,
		autoConfirm: autoConfirm,
		wait:        wait,
		logger:      logger.With(zap.String("package", "dnsprovider"), zap.String("provider", "manual")),
	}
	if in != nil {
		m.in = bufio.NewReader(in)
	}
	return m
}

func (m *Manual) Name() string { return "manual" }

func (m *Manual) AddTXTRecord(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintf(m.out, "\nPlease create the following DNS TXT record:\n\n")
	fmt.Fprintf(m.out, "  Name:  %s\n", rec.FQDN)
	fmt.Fprintf(m.out, "  Type:  TXT\n")
	fmt.Fprintf(m.out, "  Value: %s\n\n", rec.Value)
	m.logger.Info("waiting for manual TXT record", zap.String("fqdn", rec.FQDN), zap.String("value", rec.Value))

	if m.autoConfirm {
		return nil
	}
	if m.in == nil {
		return fmt.Errorf("dnsprovider: no confirmation input for manual DNS record %s", rec.FQDN)
	}
	fmt.Fprintf(m.out, "Press Enter once the record is in place...\n")

	m.readerOnce.Do(m.startReader)
	select {
	case <-ctx.Done():
		return fmt.Errorf("dnsprovider: manual confirmation for %s abandoned: %w", rec.FQDN, ctx.Err())
	case err := <-m.lines:
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("dnsprovider: confirmation input closed before %s was confirmed", rec.FQDN)
		}
		if err != nil {
			return fmt.Errorf("dnsprovider: failed to read confirmation for %s: %w", rec.FQDN, err)
		}
	}
	m.logger.Info("manual TXT record confirmed", zap.String("fqdn", rec.FQDN))
	return nil
}

// startReader reads confirmation lines for the lifetime of the process. After
// EOF or a read error every later prompt receives that error.
func (m *Manual) startReader() {
	m.lines = make(chan error)
	go func() {
		for {
			_, err := m.in.ReadString('\n')
			m.lines <- err
		}
	}()
}

func (m *Manual) RemoveTXTRecord(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.out, "\nThe TXT record %s can now be removed.\n", rec.FQDN)
	return nil
}

// WaitForPropagation waits the fixed settle time (capped at timeout) and
// reports success unless ctx ends first.
func (m *Manual) WaitForPropagation(ctx context.Context, rec Record, timeout time.Duration) bool {
	d := m.wait
	if timeout > 0 && timeout < d {
		d = timeout
	}
	return sleep(ctx, d)
}

package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/pst-export/convert"
	"github.com/dhcgn/pst-export/model"
)

const FormatIMAP = "imap"

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Converter appends every record to a folder on an IMAP server.
type Converter struct {
	opts   Options
	logger *slog.Logger
}

func NewConverter(opts Options, logger *slog.Logger) (*Converter, error) {
	if opts.Host == "" && !opts.DryRun {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 && !opts.DryRun {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Converter{opts: opts, logger: logger}, nil
}

func (c *Converter) Format() string { return FormatIMAP }

func (c *Converter) Convert(ctx context.Context, records []*model.Record, progress convert.ProgressFunc) (convert.Result, error) {
	result := convert.Result{Format: FormatIMAP, Total: len(records), OutputDir: c.targetFolder()}

	var client *imapclient.Client
	if !c.opts.DryRun && len(records) > 0 {
		var (
			cleanup func()
			err     error
		)
		client, cleanup, err = c.dial(ctx)
		if err != nil {
			return convert.FailedResult(FormatIMAP, len(records), c.targetFolder(), err), err
		}
		defer cleanup()
	}

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			remaining := len(records) - i
			result.Errors += remaining
			result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("Conversion failed: %v", err))
			return result, err
		}

		if err := c.upload(client, r); err != nil {
			subject := ""
			if r != nil {
				subject = r.Subject
			}
			cerr := &convert.ConversionError{Format: FormatIMAP, Subject: subject, Err: err}
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, cerr.Error())
			c.logger.Error("imap upload failed", "subject", subject, "target", c.targetFolder(), "err", err)
		} else {
			result.Converted++
		}
		if progress != nil {
			progress(float64(i+1)/float64(len(records))*100, i+1, len(records))
		}
	}
	return result, nil
}

func (c *Converter) upload(client *imapclient.Client, r *model.Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	raw, err := convert.RenderMessage(r)
	if err != nil {
		return err
	}
	date, _ := r.Date()

	if c.opts.DryRun {
		c.logger.Debug("dry-run upload", "subject", r.Subject, "target", c.targetFolder(), "size", len(raw))
		return nil
	}
	if err := appendMessage(client, c.targetFolder(), raw, date); err != nil {
		return err
	}
	c.logger.Debug("uploaded message", "subject", r.Subject, "target", c.targetFolder(), "size", len(raw))
	return nil
}

func (c *Converter) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	options := &imapclient.Options{}

	if c.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         c.opts.Host,
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if c.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := c.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	c.logger.Debug("imap connection established", "address", address, "user", c.opts.Username, "target", c.targetFolder(), "tls", c.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				c.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			c.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func appendMessage(client *imapclient.Client, target string, raw []byte, date time.Time) error {
	var opts *imapv2.AppendOptions
	if !date.IsZero() {
		opts = &imapv2.AppendOptions{Time: date}
	}

	cmd := client.Append(target, int64(len(raw)), opts)

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (c *Converter) targetFolder() string {
	if c.opts.TargetFolder == "" {
		return "INBOX"
	}
	return c.opts.TargetFolder
}

func (c *Converter) ensureMailbox(client *imapclient.Client) error {
	target := c.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				c.logger.Debug("imap mailbox already exists", "mailbox", target)
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	c.logger.Info("imap mailbox created", "mailbox", target)
	return nil
}

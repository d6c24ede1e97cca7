package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// Session is one logged-in transfer session. FTP sessions are sequential:
// only one command or data transfer may be active at a time, and a stream
// returned by RetrFrom must be closed before the next command.
type Session interface {
	NameList(dir string) ([]string, error)
	FileSize(filePath string) (int64, error)
	RetrFrom(filePath string, offset int64) (io.ReadCloser, error)
	Stor(filePath string, r io.Reader) error
	NoOp() error
	Quit() error
}

// Dialer opens a new logged-in session for a server
type Dialer func(ctx context.Context, addr, username, password string) (Session, error)

// DialFTP is the production Dialer backed by github.com/jlaffaye/ftp
func DialFTP(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr, username, password string) (Session, error) {
		c, err := ftp.Dial(addr,
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if err := c.Login(username, password); err != nil {
			_ = c.Quit()
			return nil, fmt.Errorf("login %s: %w", addr, err)
		}
		return &ftpSession{conn: c}, nil
	}
}

// ftpSession adapts *ftp.ServerConn to Session
type ftpSession struct {
	conn *ftp.ServerConn
}

func (s *ftpSession) NameList(dir string) ([]string, error) {
	names, err := s.conn.NameList(dir)
	if err != nil {
		return nil, mapFTPError(err)
	}
	return names, nil
}

func (s *ftpSession) FileSize(filePath string) (int64, error) {
	size, err := s.conn.FileSize(filePath)
	if err != nil {
		return 0, mapFTPError(err)
	}
	return size, nil
}

func (s *ftpSession) RetrFrom(filePath string, offset int64) (io.ReadCloser, error) {
	var (
		resp *ftp.Response
		err  error
	)
	if offset > 0 {
		resp, err = s.conn.RetrFrom(filePath, uint64(offset))
	} else {
		resp, err = s.conn.Retr(filePath)
	}
	if err != nil {
		return nil, mapFTPError(err)
	}
	return resp, nil
}

func (s *ftpSession) Stor(filePath string, r io.Reader) error {
	return mapFTPError(s.conn.Stor(filePath, r))
}

func (s *ftpSession) NoOp() error {
	return s.conn.NoOp()
}

func (s *ftpSession) Quit() error {
	return s.conn.Quit()
}

// mapFTPError turns "550 file unavailable" replies into ErrNotFound
func mapFTPError(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
		return fmt.Errorf("%w: %s", ErrNotFound, tpErr.Msg)
	}
	return err
}

// sessionConn implements Conn on top of a pooled Session
type sessionConn struct {
	serverID string
	session  Session
	rangeOK  bool
	lastUsed time.Time
}

func (c *sessionConn) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := c.session.NameList(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	// Some servers answer NLST with full paths
	result := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		result = append(result, path.Base(n))
	}
	return result, nil
}

func (c *sessionConn) Size(ctx context.Context, filePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size, err := c.session.FileSize(filePath)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", filePath, err)
	}
	return size, nil
}

func (c *sessionConn) Open(ctx context.Context, filePath string, offset int64) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if offset > 0 && c.rangeOK {
		rc, err := c.session.RetrFrom(filePath, offset)
		if err == nil {
			return rc, offset, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, 0, fmt.Errorf("open %s: %w", filePath, err)
		}
		// REST refused: remember it and fall back to a whole-file read
		c.rangeOK = false
	}
	rc, err := c.session.RetrFrom(filePath, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", filePath, err)
	}
	return rc, 0, nil
}

func (c *sessionConn) Download(ctx context.Context, filePath string) ([]byte, error) {
	rc, _, err := c.Open(ctx, filePath, 0)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filePath, err)
	}
	return data, nil
}

func (c *sessionConn) Upload(ctx context.Context, filePath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.session.Stor(filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", filePath, err)
	}
	return nil
}

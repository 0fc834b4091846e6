package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

// Upload writes content to dst on the remote host with the scp sink protocol,
// replacing whatever was there. The parent directory is created first.
func (c *Client) Upload(ctx context.Context, dst string, mode os.FileMode, content []byte) error {
	if !path.IsAbs(dst) {
		return errs.WrapMsg(ErrUploadFailed, "destination must be absolute: "+dst)
	}
	if err := c.MkdirAll(ctx, parentDir(dst)); err != nil {
		return errs.WrapMsgErr(ErrUploadFailed, dst, err)
	}
	if err := c.scp(ctx, dst, mode, content); err != nil {
		return errs.WrapMsgErr(ErrUploadFailed, dst, err)
	}
	// scp keeps the mode of an existing file
	if _, err := c.Run(ctx, fmt.Sprintf("chmod %04o %s", mode.Perm(), ShellQuote(dst)), nil); err != nil {
		return errs.WrapMsgErr(ErrUploadFailed, dst, err)
	}
	logger.Info(ctx, "file uploaded", "host", c.addr, "path", dst, "bytes", len(content))
	return nil
}

func (c *Client) scp(ctx context.Context, dst string, mode os.FileMode, content []byte) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := session.Start("scp -t " + ShellQuote(dst)); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- sendFile(stdin, bufio.NewReader(stdout), path.Base(dst), mode, content)
	}()
	select {
	case <-ctx.Done():
		_ = session.Close()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return err
		}
	}
	return session.Wait()
}

func sendFile(w io.WriteCloser, r *bufio.Reader, name string, mode os.FileMode, content []byte) error {
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", mode.Perm(), len(content), name); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}
	return w.Close()
}

func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("scp: reading ack: %w", err)
	}
	switch b {
	case 0:
		return nil
	case 1, 2:
		msg, _ := r.ReadString('\n')
		return fmt.Errorf("scp: %s", strings.TrimSpace(msg))
	default:
		return fmt.Errorf("scp: unexpected response byte %d", b)
	}
}

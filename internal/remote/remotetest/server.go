// Package remotetest runs an in-process SSH server that understands exec
// requests and the scp sink protocol, for tests of code that drives remote
// hosts.
package remotetest

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Handler answers a command that is not handled by the server itself. It
// returns what the command printed and its exit status.
type Handler func(cmd string, stdin []byte) (stdout string, status uint32)

type File struct {
	Mode    os.FileMode
	Content []byte
}

type Server struct {
	Host        string
	Port        int
	Fingerprint string
	HostKey     ssh.PublicKey

	cfg     *ssh.ServerConfig
	ln      net.Listener
	handler Handler

	mu       sync.Mutex
	files    map[string]File
	commands []string
}

// GenerateKey returns a PEM encoded private key and its public half.
func GenerateKey(t testing.TB) ([]byte, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(block), signer.PublicKey()
}

// NewServer starts a server that accepts only authorized. A nil handler
// answers every command with exit status 0.
func NewServer(t testing.TB, authorized ssh.PublicKey, handler Handler) *Server {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if handler == nil {
		handler = func(string, []byte) (string, uint32) { return "", 0 }
	}
	addr := ln.Addr().(*net.TCPAddr)
	s := &Server{
		Host:        addr.IP.String(),
		Port:        addr.Port,
		Fingerprint: ssh.FingerprintSHA256(hostSigner.PublicKey()),
		HostKey:     hostSigner.PublicKey(),
		cfg:         cfg,
		ln:          ln,
		handler:     handler,
		files:       map[string]File{},
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// File returns the content last written to path.
func (s *Server) File(path string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f, ok
}

// Commands returns every exec request in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() { _ = ch.Close() }()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(reqs)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		status := s.exec(payload.Command, ch)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *Server) exec(cmd string, ch ssh.Channel) uint32 {
	switch {
	case strings.HasPrefix(cmd, "scp -t "):
		if err := s.sink(unquote(strings.TrimPrefix(cmd, "scp -t ")), ch); err != nil {
			_, _ = fmt.Fprintf(ch.Stderr(), "scp: %v\n", err)
			return 1
		}
		return 0
	case strings.HasPrefix(cmd, "mkdir -p "):
		return 0
	case strings.HasPrefix(cmd, "chmod "):
		fields := strings.SplitN(cmd, " ", 3)
		mode, err := strconv.ParseUint(fields[1], 8, 32)
		if err != nil {
			return 1
		}
		path := unquote(fields[2])
		s.mu.Lock()
		defer s.mu.Unlock()
		f, ok := s.files[path]
		if !ok {
			return 1
		}
		f.Mode = os.FileMode(mode)
		s.files[path] = f
		return 0
	}
	stdin, _ := io.ReadAll(ch)
	out, status := s.handler(cmd, stdin)
	_, _ = io.WriteString(ch, out)
	return status
}

func (s *Server) sink(path string, ch ssh.Channel) error {
	r := bufio.NewReader(ch)
	if _, err := ch.Write([]byte{0}); err != nil {
		return err
	}
	header, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	var mode uint32
	var size int
	var name string
	if _, err := fmt.Sscanf(header, "C%o %d %s\n", &mode, &size, &name); err != nil {
		return fmt.Errorf("bad header %q: %w", header, err)
	}
	if _, err := ch.Write([]byte{0}); err != nil {
		return err
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(r, content); err != nil {
		return err
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return fmt.Errorf("missing end marker")
	}
	s.mu.Lock()
	prev, exists := s.files[path]
	f := File{Mode: os.FileMode(mode), Content: content}
	if exists {
		f.Mode = prev.Mode
	}
	s.files[path] = f
	s.mu.Unlock()
	_, err = ch.Write([]byte{0})
	return err
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return strings.ReplaceAll(s[1:len(s)-1], `'"'"'`, "'")
	}
	return s
}

/*
sftp.go - Production SessionFactory over ssh + sftp

Password-only authentication, per the payer onboarding contract. Host-key
checking can be disabled for dev endpoints; production deployments provide a
known_hosts callback instead.
*/
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPFactory opens real SFTP sessions.
type SFTPFactory struct {
	// Timeout bounds the TCP+handshake phase. Zero means 30s.
	Timeout time.Duration

	// HostKeyCallback verifies the server key. Nil with
	// InsecureSkipHostKeyCheck=false is a construction error surfaced at
	// connect time.
	HostKeyCallback ssh.HostKeyCallback

	// InsecureSkipHostKeyCheck accepts any host key. Dev only.
	InsecureSkipHostKeyCheck bool
}

func (f *SFTPFactory) Connect(_ context.Context, target Target) (Session, error) {
	callback := f.HostKeyCallback
	if f.InsecureSkipHostKeyCheck {
		callback = ssh.InsecureIgnoreHostKey()
	}
	if callback == nil {
		return nil, fmt.Errorf("no host key callback configured")
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: callback,
		Timeout:         timeout,
	}
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp handshake %s: %w", addr, err)
	}
	return &sftpSession{conn: conn, client: client}, nil
}

type sftpSession struct {
	conn   *ssh.Client
	client *sftp.Client
}

func (s *sftpSession) Upload(remotePath string, content []byte) error {
	file, err := s.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	return nil
}

func (s *sftpSession) Close() error {
	clientErr := s.client.Close()
	connErr := s.conn.Close()
	if clientErr != nil {
		return clientErr
	}
	return connErr
}

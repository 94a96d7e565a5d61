// Package sftptest provides an in-memory SFTP server for tests.
package sftptest

import (
	"io"
	"testing"

	"github.com/pkg/sftp"

	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient"
)

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// clientWriter closes the client's read side together with its write side.
// The server never closes its writer on EOF, so without this the client's
// receive loop would block forever in Close.
type clientWriter struct {
	*io.PipeWriter
	reader *io.PipeReader
}

func (w clientWriter) Close() error {
	err := w.PipeWriter.Close()
	if rerr := w.reader.Close(); err == nil {
		err = rerr
	}
	return err
}

// NewClient returns a client connected to a fresh in-memory SFTP server.
// The server is stopped when the test ends.
func NewClient(t testing.TB) *sftpclient.Client {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientPipeWriter := io.Pipe()

	server := sftp.NewRequestServer(pipeConn{serverReader, serverWriter}, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientReader, clientWriter{PipeWriter: clientPipeWriter, reader: clientReader})
	if err != nil {
		t.Fatalf("failed to start in-memory sftp client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return sftpclient.Wrap(client)
}

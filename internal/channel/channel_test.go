package channel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zhtp/zhtp/internal/zcrypto"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestLoadOrCreateCertPersistsAndReuses(t *testing.T) {
	dir := t.TempDir()

	cert1, err := LoadOrCreateCert(dir)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "server.crt"))
	require.FileExists(t, filepath.Join(dir, "server.key"))

	cert2, err := LoadOrCreateCert(dir)
	require.NoError(t, err)
	require.Equal(t, cert1.Certificate, cert2.Certificate)
}

func TestSetMasterKeyRejectsWrongLength(t *testing.T) {
	c := &Conn{}
	err := c.SetMasterKey([]byte("too-short"))
	require.Error(t, err)
}

func TestSendFrameRejectsInBootstrapMode(t *testing.T) {
	c := &Conn{bootstrapMode: true}
	err := c.SendFrame(context.Background(), nil, []byte("payload"))
	require.ErrorIs(t, err, ErrBootstrapReadOnly)
}

func TestSendFrameRejectsOversizedPlaintext(t *testing.T) {
	c := &Conn{}
	oversized := make([]byte, MaxFrameSize+1)
	err := c.SendFrame(context.Background(), nil, oversized)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestChannelRoundTripOverLoopbackQUIC(t *testing.T) {
	dir := t.TempDir()
	cert, err := LoadOrCreateCert(dir)
	require.NoError(t, err)

	ln, err := Listen(testLogger(), "127.0.0.1:0", cert)
	require.NoError(t, err)
	defer ln.Close()

	key := make([]byte, zcrypto.AEADKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverConnCh := make(chan *Conn, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErrCh <- err
			return
		}
		if err := conn.SetMasterKey(key); err != nil {
			serverErrCh <- err
			return
		}
		serverConnCh <- conn
		serverErrCh <- nil
	}()

	clientConn, err := Dial(ctx, testLogger(), ln.Addr(), cert)
	require.NoError(t, err)
	require.NoError(t, clientConn.SetMasterKey(key))

	require.NoError(t, <-serverErrCh)
	serverConn := <-serverConnCh

	require.NoError(t, clientConn.SendFrame(ctx, []byte("aad"), []byte("hello peer")))

	got, err := serverConn.RecvFrame(ctx, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello peer"), got)
}

package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdrop/ftpbridge/internal/auth"
	"github.com/docdrop/ftpbridge/internal/ingest"
	"github.com/docdrop/ftpbridge/internal/staging"
	"github.com/docdrop/ftpbridge/pkg/config"
)

// fakeIngestor records submissions and mimics the real bridge's
// staging cleanup.
type fakeIngestor struct {
	mu       sync.Mutex
	result   ingest.Result
	names    []string
	content  [][]byte
	paths    []string
	failures []transferFailure
}

type transferFailure struct {
	name string
	err  error
}

func (f *fakeIngestor) Submit(ctx context.Context, up *staging.Upload, meta ingest.Meta) ingest.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, _ := os.ReadFile(up.Path())
	f.names = append(f.names, up.Name())
	f.content = append(f.content, data)
	f.paths = append(f.paths, up.Path())
	up.Remove()
	return f.result
}

func (f *fakeIngestor) RecordTransferFailure(ctx context.Context, up *staging.Upload, meta ingest.Meta, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up.Discard()
	f.failures = append(f.failures, transferFailure{name: up.Name(), err: cause})
}

func (f *fakeIngestor) transferFailures() []transferFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferFailure(nil), f.failures...)
}

func (f *fakeIngestor) submissions() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...), append([][]byte(nil), f.content...)
}

func (f *fakeIngestor) firstPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[0]
}

func startTestServer(t *testing.T, ing Ingestor, passivePorts int) *Server {
	t.Helper()
	return startTestServerCfg(t, ing, passivePorts, nil)
}

func startTestServerCfg(t *testing.T, ing Ingestor, passivePorts int, mutate func(*config.FTPConfig)) *Server {
	t.Helper()

	min, max := freePortRange(t, passivePorts)
	cfg := &config.FTPConfig{
		ListenAddr:       "127.0.0.1:0",
		PassivePortMin:   min,
		PassivePortMax:   max,
		Username:         "scanner",
		Password:         "secret",
		AuthFailureLimit: 3,
		IdleTimeout:      5 * time.Second,
		TransferTimeout:  2 * time.Second,
		MaxUploadBytes:   1 << 20,
		ShutdownGrace:    2 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := staging.NewStore(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(cfg, auth.NewStaticAuthenticator(cfg), store, ing)
	go srv.ListenAndServe()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialFTP(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	code, _ := c.readReply()
	require.Equal(t, StatusReady, code)
	return c
}

func (c *testClient) send(format string, args ...any) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, format+"\r\n", args...)
	require.NoError(c.t, err)
}

func (c *testClient) readReply() (int, string) {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	line = strings.TrimRight(line, "\r\n")
	require.GreaterOrEqual(c.t, len(line), 4, "short reply line: %q", line)
	code, err := strconv.Atoi(line[:3])
	require.NoError(c.t, err)
	return code, line[4:]
}

func (c *testClient) cmd(format string, args ...any) (int, string) {
	c.t.Helper()
	c.send(format, args...)
	return c.readReply()
}

func (c *testClient) login() {
	c.t.Helper()
	code, _ := c.cmd("USER scanner")
	require.Equal(c.t, StatusNeedPassword, code)
	code, _ = c.cmd("PASS secret")
	require.Equal(c.t, StatusLoggedIn, code)
}

var pasvReplyRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

func (c *testClient) pasv() string {
	c.t.Helper()
	code, text := c.cmd("PASV")
	require.Equal(c.t, StatusEnteringPASV, code)

	m := pasvReplyRegex.FindStringSubmatch(text)
	require.Len(c.t, m, 7, "unparseable PASV reply: %s", text)
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	host := fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2))
}

func TestUploadRoundTripPassive(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Delivered: true}}
	srv := startTestServer(t, ing, 4)
	c := dialFTP(t, srv)
	c.login()

	code, _ := c.cmd("TYPE I")
	require.Equal(t, StatusOK, code)

	dataAddr := c.pasv()

	c.send("STOR /inbox/scan.pdf")
	code, _ = c.readReply()
	require.Equal(t, StatusTransferStarting, code)

	payload := []byte("the quick brown fax jumps over the lazy scanner")
	data, err := net.Dial("tcp", dataAddr)
	require.NoError(t, err)
	_, err = data.Write(payload)
	require.NoError(t, err)
	require.NoError(t, data.Close())

	code, _ = c.readReply()
	assert.Equal(t, StatusTransferDone, code)

	names, content := ing.submissions()
	require.Len(t, names, 1)
	assert.Equal(t, "scan.pdf", names[0])
	assert.Equal(t, payload, content[0])

	// Staging never outlives the hand-off.
	_, statErr := os.Stat(ing.firstPath())
	assert.True(t, os.IsNotExist(statErr))

	// The held passive port went back to the pool.
	assert.Equal(t, 0, srv.channels.LivePorts())
}

func TestUploadRoundTripActive(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Delivered: true}}
	srv := startTestServer(t, ing, 4)
	c := dialFTP(t, srv)
	c.login()

	// Client-side data listener for active mode.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := []byte("active mode payload")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(payload)
		conn.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	code, _ := c.cmd("PORT 127,0,0,1,%d,%d", port/256, port%256)
	require.Equal(t, StatusOK, code)

	c.send("STOR scan.pdf")
	code, _ = c.readReply()
	require.Equal(t, StatusTransferStarting, code)

	code, _ = c.readReply()
	assert.Equal(t, StatusTransferDone, code)

	names, content := ing.submissions()
	require.Len(t, names, 1)
	assert.Equal(t, "scan.pdf", names[0])
	assert.Equal(t, payload, content[0])
}

func TestEPRTRejectsForeignTarget(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Delivered: true}}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	code, _ := c.cmd("EPRT |1|203.0.113.50|6000|")
	assert.Equal(t, StatusSyntaxErrorArgs, code)
}

func TestStorWithoutDataChannelIsSequenceError(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Delivered: true}}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	code, _ := c.cmd("STOR scan.pdf")
	assert.Equal(t, StatusBadSequence, code)
}

func TestCommandsRequireLogin(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)

	for _, verb := range []string{"PASV", "STOR x", "PWD", "PORT 1,2,3,4,5,6"} {
		code, _ := c.cmd(verb)
		assert.Equal(t, StatusNotLoggedIn, code, "verb %s", verb)
	}

	code, _ := c.cmd("BOGUS")
	assert.Equal(t, StatusSyntaxError, code)
}

func TestAuthFailureThresholdClosesSession(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)

	code, _ := c.cmd("USER scanner")
	require.Equal(t, StatusNeedPassword, code)

	for i := 0; i < 2; i++ {
		code, _ = c.cmd("PASS wrong")
		assert.Equal(t, StatusNotLoggedIn, code)
	}

	code, _ = c.cmd("PASS wrong")
	assert.Equal(t, StatusServiceUnavailable, code)

	// The server closes the control connection.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewModeCommandReleasesPreviousChannel(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 4)
	c := dialFTP(t, srv)
	c.login()

	c.pasv()
	assert.Equal(t, 1, srv.channels.LivePorts())

	c.pasv()
	assert.Equal(t, 1, srv.channels.LivePorts(), "only the most recent channel may hold a port")

	// Switching to active mode drops the passive port entirely.
	code, _ := c.cmd("PORT 127,0,0,1,100,0")
	require.Equal(t, StatusOK, code)
	assert.Equal(t, 0, srv.channels.LivePorts())
}

func TestPortExhaustionIsTransient(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 1)

	c1 := dialFTP(t, srv)
	c1.login()
	c1.pasv()

	c2 := dialFTP(t, srv)
	c2.login()
	code, _ := c2.cmd("PASV")
	assert.Equal(t, StatusCannotOpenDataConn, code, "exhausted pool must be a transient error")

	// Session 1 releasing its channel frees the port for session 2.
	code, _ = c1.cmd("ABOR")
	require.Equal(t, StatusTransferDone, code)

	c2.pasv()
}

func TestIngestionTransientFailureReply(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Transient: true}}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	dataAddr := c.pasv()
	c.send("STOR scan.pdf")
	code, _ := c.readReply()
	require.Equal(t, StatusTransferStarting, code)

	data, err := net.Dial("tcp", dataAddr)
	require.NoError(t, err)
	data.Write([]byte("bytes"))
	data.Close()

	code, _ = c.readReply()
	assert.Equal(t, StatusLocalError, code)
}

func TestIngestionPermanentFailureReply(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Transient: false}}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	dataAddr := c.pasv()
	c.send("STOR scan.pdf")
	code, _ := c.readReply()
	require.Equal(t, StatusTransferStarting, code)

	data, err := net.Dial("tcp", dataAddr)
	require.NoError(t, err)
	data.Write([]byte("bytes"))
	data.Close()

	code, _ = c.readReply()
	assert.Equal(t, StatusActionNotTaken, code)

	// Staging is removed even on permanent rejection.
	_, statErr := os.Stat(ing.firstPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestListReturnsEmptyListing(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	dataAddr := c.pasv()
	c.send("LIST")
	code, _ := c.readReply()
	require.Equal(t, StatusTransferStarting, code)

	data, err := net.Dial("tcp", dataAddr)
	require.NoError(t, err)
	listing, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Empty(t, listing)
	data.Close()

	code, _ = c.readReply()
	assert.Equal(t, StatusTransferDone, code)
}

func TestFeatIsMultiline(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)

	c.send("FEAT")
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "211-"), "first FEAT line: %q", line)

	sawEPSV := false
	for {
		line, err = c.r.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "EPSV") {
			sawEPSV = true
		}
		if strings.HasPrefix(line, "211 ") {
			break
		}
	}
	assert.True(t, sawEPSV)
}

func TestVirtualDirectoryCommands(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	code, text := c.cmd("PWD")
	require.Equal(t, StatusPathCreated, code)
	assert.Contains(t, text, `"/"`)

	code, _ = c.cmd("CWD inbox")
	require.Equal(t, StatusFileOK, code)

	code, text = c.cmd("PWD")
	require.Equal(t, StatusPathCreated, code)
	assert.Contains(t, text, `"/inbox"`)

	code, _ = c.cmd("CDUP")
	require.Equal(t, StatusFileOK, code)

	code, text = c.cmd("PWD")
	require.Equal(t, StatusPathCreated, code)
	assert.Contains(t, text, `"/"`)
}

func TestQuit(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)

	code, _ := c.cmd("QUIT")
	assert.Equal(t, StatusClosing, code)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFailedTransferIsRecorded(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServerCfg(t, ing, 2, func(cfg *config.FTPConfig) {
		cfg.MaxUploadBytes = 1024
	})
	c := dialFTP(t, srv)
	c.login()

	dataAddr := c.pasv()
	c.send("STOR big.pdf")
	code, _ := c.readReply()
	require.Equal(t, StatusTransferStarting, code)

	data, err := net.Dial("tcp", dataAddr)
	require.NoError(t, err)
	data.Write(make([]byte, 4096))
	data.Close()

	code, _ = c.readReply()
	assert.Equal(t, StatusExceededAllocation, code)

	// The aborted upload still reaches the audit trail.
	failures := ing.transferFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "big.pdf", failures[0].name)
	assert.ErrorIs(t, failures[0].err, ErrTransferTooLarge)

	names, _ := ing.submissions()
	assert.Empty(t, names, "a failed transfer must not be submitted for ingestion")
}

func TestEPSVWorksWithHostnamePublicHost(t *testing.T) {
	ing := &fakeIngestor{}
	srv := startTestServerCfg(t, ing, 2, func(cfg *config.FTPConfig) {
		cfg.PublicHost = "bridge.internal"
	})
	c := dialFTP(t, srv)
	c.login()

	// EPSV replies carry no address, so a hostname public host is fine.
	code, _ := c.cmd("EPSV")
	assert.Equal(t, StatusEnteringEPSV, code)

	// Plain PASV needs an IP to advertise and must fail cleanly,
	// without leaking the allocated port.
	code, _ = c.cmd("PASV")
	assert.Equal(t, StatusCannotOpenDataConn, code)
	assert.Equal(t, 0, srv.channels.LivePorts())
}

func TestEPSVReply(t *testing.T) {
	ing := &fakeIngestor{result: ingest.Result{Delivered: true}}
	srv := startTestServer(t, ing, 2)
	c := dialFTP(t, srv)
	c.login()

	code, text := c.cmd("EPSV")
	require.Equal(t, StatusEnteringEPSV, code)

	m := regexp.MustCompile(`\(\|\|\|(\d+)\|\)`).FindStringSubmatch(text)
	require.Len(t, m, 2, "unparseable EPSV reply: %s", text)
	port, err := strconv.Atoi(m[1])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, srv.cfg.PassivePortMin)
	assert.LessOrEqual(t, port, srv.cfg.PassivePortMax)
}

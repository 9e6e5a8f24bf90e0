package dtl

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/cuemby/vdisk/pkg/types"
)

func selfSignedTLSConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dtl-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		DNSNames:     []string{"127.0.0.1"},
		IPAddresses:  nil,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	clientCfg := &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}

	return serverCfg, clientCfg
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	serverCfg, _ := selfSignedTLSConfig(t)

	srv := NewServer(serverCfg)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()

	t.Cleanup(srv.Stop)
	return srv, ln.Addr().String()
}

func TestClientServer_SendAndAck(t *testing.T) {
	srv, addr := startTestServer(t)
	_, clientCfg := selfSignedTLSConfig(t)

	cfg := types.VolumeConfiguration{ID: "vol1", LBASize: 512, ClusterMultiplier: 8, SCOMultiplier: 1024}
	c, err := Dial(context.Background(), addr, clientCfg, "vol1", cfg, types.OwnerTag(1), types.DtlSynchronous)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), 1, types.ClusterAddress(10), types.ClusterLocation{SCONumber: 1}, types.ContentHash{}, []byte("payload")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	entries := srv.Entries("vol1")
	if len(entries) != 1 {
		t.Fatalf("Entries() = %d, want 1", len(entries))
	}
	if string(entries[0].Data) != "payload" {
		t.Errorf("entry data = %q, want %q", entries[0].Data, "payload")
	}
}

func TestServer_FencesOlderOwnerTag(t *testing.T) {
	srv, addr := startTestServer(t)
	_, clientCfg := selfSignedTLSConfig(t)

	cfg := types.VolumeConfiguration{ID: "vol1"}

	c1, err := Dial(context.Background(), addr, clientCfg, "vol1", cfg, types.OwnerTag(5), types.DtlSynchronous)
	if err != nil {
		t.Fatalf("Dial() with tag 5 error = %v", err)
	}
	defer c1.Close()

	_, err = Dial(context.Background(), addr, clientCfg, "vol1", cfg, types.OwnerTag(3), types.DtlSynchronous)
	if err == nil {
		t.Fatal("expected Dial() with a stale owner tag to be rejected")
	}

	_ = srv
}

func TestClient_QueueDepthTracksInFlight(t *testing.T) {
	_, addr := startTestServer(t)
	_, clientCfg := selfSignedTLSConfig(t)

	cfg := types.VolumeConfiguration{ID: "vol2"}
	c, err := Dial(context.Background(), addr, clientCfg, "vol2", cfg, types.OwnerTag(1), types.DtlSynchronous)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), 1, types.ClusterAddress(1), types.ClusterLocation{}, types.ContentHash{}, []byte("x")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.QueueDepth() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if c.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d after synchronous ack, want 0", c.QueueDepth())
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/syncd/internal/protocol"
	"github.com/nishisan-dev/syncd/internal/session"
)

func startTestServer(t *testing.T) (addr string, storageRoot string) {
	t.Helper()
	storageRoot = t.TempDir()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{ListenAddr: "127.0.0.1:0", StorageRoot: storageRoot, FanoutWorkers: 2}, log)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()

	return addr, storageRoot
}

func dialAndHandshake(t *testing.T, addr, user string) *protocol.Transport {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tr := protocol.NewTransport(conn)
	if err := tr.Send(&protocol.Frame{Type: protocol.TypeGetSyncDir, Payload: protocol.FilenamePayload(user)}); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}
	ack, err := tr.Recv()
	if err != nil {
		t.Fatalf("recv handshake ack: %v", err)
	}
	if ack.Type != protocol.TypeAck {
		t.Fatalf("handshake: got frame type %d, want ACK", ack.Type)
	}
	return tr
}

func uploadFile(t *testing.T, tr *protocol.Transport, name string, data []byte) {
	t.Helper()
	if err := tr.Send(&protocol.Frame{Type: protocol.TypeUploadReq, Payload: protocol.FilenamePayload(name)}); err != nil {
		t.Fatalf("send upload req: %v", err)
	}
	ack, err := tr.Recv()
	if err != nil || ack.Type != protocol.TypeAck {
		t.Fatalf("upload req not acked: %v %v", ack, err)
	}
	if err := tr.Send(&protocol.Frame{Type: protocol.TypeUploadData, Seq: 1, Payload: data}); err != nil {
		t.Fatalf("send upload data: %v", err)
	}
	ack, err = tr.Recv()
	if err != nil || ack.Type != protocol.TypeAck {
		t.Fatalf("upload data not acked: %v %v", ack, err)
	}
	if err := tr.Send(&protocol.Frame{Type: protocol.TypeUploadData, Seq: 2}); err != nil {
		t.Fatalf("send upload terminator: %v", err)
	}
}

func TestUploadThenListThenDownload(t *testing.T) {
	addr, _ := startTestServer(t)
	tr := dialAndHandshake(t, addr, "alice")
	defer tr.Close()

	uploadFile(t, tr, "hello.txt", []byte("hi\n"))

	if err := tr.Send(&protocol.Frame{Type: protocol.TypeListServerReq}); err != nil {
		t.Fatalf("send list req: %v", err)
	}
	res, err := tr.Recv()
	if err != nil || res.Type != protocol.TypeListServerRes {
		t.Fatalf("list response: %v %v", res, err)
	}
	entries, err := protocol.ParseListing(res.Payload)
	if err != nil {
		t.Fatalf("parsing listing: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hello.txt" || entries[0].Size != 3 {
		t.Fatalf("unexpected listing: %+v", entries)
	}

	if err := tr.Send(&protocol.Frame{Type: protocol.TypeDownloadReq, Payload: protocol.FilenamePayload("hello.txt")}); err != nil {
		t.Fatalf("send download req: %v", err)
	}
	ack, err := tr.Recv()
	if err != nil || ack.Type != protocol.TypeAck {
		t.Fatalf("download req not acked: %v %v", ack, err)
	}
	var got []byte
	for {
		f, err := tr.Recv()
		if err != nil {
			t.Fatalf("recv download data: %v", err)
		}
		if len(f.Payload) == 0 {
			break
		}
		got = append(got, f.Payload...)
		if err := tr.Send(&protocol.Frame{Type: protocol.TypeAck, Seq: f.Seq}); err != nil {
			t.Fatalf("acking download chunk: %v", err)
		}
	}
	if string(got) != "hi\n" {
		t.Fatalf("downloaded bytes = %q, want %q", got, "hi\n")
	}
}

func TestThirdConnectionForSameUserIsRejected(t *testing.T) {
	addr, _ := startTestServer(t)

	tr1 := dialAndHandshake(t, addr, "bob")
	defer tr1.Close()
	tr2 := dialAndHandshake(t, addr, "bob")
	defer tr2.Close()

	conn3, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial 3rd: %v", err)
	}
	defer conn3.Close()
	tr3 := protocol.NewTransport(conn3)
	if err := tr3.Send(&protocol.Frame{Type: protocol.TypeGetSyncDir, Payload: protocol.FilenamePayload("bob")}); err != nil {
		t.Fatalf("send 3rd handshake: %v", err)
	}
	resp, err := tr3.Recv()
	if err != nil {
		t.Fatalf("recv 3rd handshake response: %v", err)
	}
	if resp.Type != protocol.TypeNack {
		t.Fatalf("3rd connection: got frame type %d, want NACK", resp.Type)
	}
}

func TestBadFilenameIsRejected(t *testing.T) {
	addr, _ := startTestServer(t)
	tr := dialAndHandshake(t, addr, "carol")
	defer tr.Close()

	if err := tr.Send(&protocol.Frame{Type: protocol.TypeUploadReq, Payload: protocol.FilenamePayload("../secret")}); err != nil {
		t.Fatalf("send upload req: %v", err)
	}
	resp, err := tr.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Type != protocol.TypeNack {
		t.Fatalf("got frame type %d, want NACK", resp.Type)
	}
}

func TestHandshakeRejectedWhenDiskLow(t *testing.T) {
	storageRoot := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	health := NewHealthMonitor(storageRoot, log)
	health.mu.Lock()
	health.stats = HealthStats{DiskUsagePercent: 99}
	health.mu.Unlock()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	registry := session.NewRegistry()
	fanout := NewFanout(registry, 1, 0, log)
	e := newEngine(protocol.NewTransport(serverConn), registry, fanout, health, storageRoot, "", log)
	go e.run()

	tr := protocol.NewTransport(clientConn)
	if err := tr.Send(&protocol.Frame{Type: protocol.TypeGetSyncDir, Payload: protocol.FilenamePayload("heidi")}); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}
	resp, err := tr.Recv()
	if err != nil {
		t.Fatalf("recv handshake response: %v", err)
	}
	if resp.Type != protocol.TypeNack {
		t.Fatalf("got frame type %d, want NACK", resp.Type)
	}
	wantPrefix := protocol.NackLowDisk.String() + ":"
	if !strings.HasPrefix(string(resp.Payload), wantPrefix) {
		t.Fatalf("nack payload = %q, want prefix %q", resp.Payload, wantPrefix)
	}
	if registry.Count("heidi") != 0 {
		t.Fatalf("rejected connection must not occupy a registry slot, count = %d", registry.Count("heidi"))
	}
}

func TestFanoutDeliversUploadToOtherConnection(t *testing.T) {
	addr, _ := startTestServer(t)
	tr1 := dialAndHandshake(t, addr, "dana")
	defer tr1.Close()
	tr2 := dialAndHandshake(t, addr, "dana")
	defer tr2.Close()

	uploadFile(t, tr1, "shared.bin", []byte("payload"))

	tr2.Conn().SetReadDeadline(time.Now().Add(3 * time.Second))
	req, err := tr2.Recv()
	if err != nil {
		t.Fatalf("tr2 did not receive push: %v", err)
	}
	if req.Type != protocol.TypeUploadReq {
		t.Fatalf("tr2 got frame type %d, want UPLOAD_REQ", req.Type)
	}
	if err := tr2.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		t.Fatalf("acking push req: %v", err)
	}
	var got []byte
	for {
		f, err := tr2.Recv()
		if err != nil {
			t.Fatalf("recv push data: %v", err)
		}
		if len(f.Payload) == 0 {
			break
		}
		got = append(got, f.Payload...)
		if err := tr2.Send(&protocol.Frame{Type: protocol.TypeAck, Seq: f.Seq}); err != nil {
			t.Fatalf("acking push chunk: %v", err)
		}
	}
	if string(got) != "payload" {
		t.Fatalf("pushed bytes = %q, want %q", got, "payload")
	}
}

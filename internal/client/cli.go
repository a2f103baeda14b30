// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nishisan-dev/syncd/internal/protocol"
)

// RunCLI drives the interactive command surface of §6: get_sync_dir,
// upload <path>, download <name>, delete <name>, list_server, list_client,
// exit. It reads commands from in and writes results to out, restoring the
// behavior of original_source's client_actions.c command dispatch.
func (s *Session) RunCLI(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "syncd> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case "exit", "quit":
			return nil
		case "get_sync_dir":
			s.cmdGetSyncDir(out)
		case "upload":
			s.cmdUpload(out, args)
		case "download":
			s.cmdDownload(out, args)
		case "delete":
			s.cmdDelete(out, args)
		case "list_server":
			s.cmdListServer(out)
		case "list_client":
			s.cmdListClient(out)
		default:
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		}
	}
}

func (s *Session) cmdGetSyncDir(out io.Writer) {
	fmt.Fprintf(out, "sync directory: %s\n", s.store.Dir())
}

func (s *Session) cmdUpload(out io.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: upload <path>")
		return
	}
	path := args[0]
	name := pathBase(path)
	if !protocol.ValidFilename(name) {
		fmt.Fprintf(out, "invalid filename %q\n", name)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(out, "could not open %s: %v\n", path, err)
		return
	}
	defer f.Close()

	// Hold reqMu for the whole request+stream: RunListener is the transport's
	// sole reader and routes responses back to whoever is waiting, so two
	// concurrent requesters (this CLI command and the watcher) must not
	// interleave their request frames (see the Session doc comment).
	s.lockRequest()
	defer s.unlockRequest()

	ack, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeUploadReq, Payload: protocol.FilenamePayload(name)})
	if err != nil {
		fmt.Fprintf(out, "upload failed: %v\n", err)
		return
	}
	if ack.Type != protocol.TypeAck {
		fmt.Fprintf(out, "upload rejected: %s\n", string(ack.Payload))
		return
	}
	// Upload reads from an arbitrary path, not the local sync directory
	// (§6's CLI surface), so it does not itself produce a local fs event to
	// suppress — unlike download, which writes into the sync directory.
	if err := s.streamUpload(f); err != nil {
		fmt.Fprintf(out, "upload failed: %v\n", err)
		return
	}
	fmt.Fprintln(out, "file uploaded successfully.")
}

func (s *Session) cmdDownload(out io.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: download <name>")
		return
	}
	name := args[0]
	if !protocol.ValidFilename(name) {
		fmt.Fprintf(out, "invalid filename %q\n", name)
		return
	}
	s.echoes.Add(name)
	if err := s.downloadFile(name); err != nil {
		fmt.Fprintf(out, "download failed: %v\n", err)
		return
	}
	fmt.Fprintln(out, "file downloaded successfully.")
}

func (s *Session) cmdDelete(out io.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: delete <name>")
		return
	}
	name := args[0]
	if !protocol.ValidFilename(name) {
		fmt.Fprintf(out, "invalid filename %q\n", name)
		return
	}
	// The CLI's delete, like upload, does not itself mutate the local sync
	// directory (§6), so no EchoSet entry is needed here.
	s.lockRequest()
	ack, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeDeleteReq, Payload: protocol.FilenamePayload(name)})
	s.unlockRequest()
	if err != nil {
		fmt.Fprintf(out, "delete failed: %v\n", err)
		return
	}
	if ack.Type != protocol.TypeAck {
		fmt.Fprintf(out, "delete rejected: %s\n", string(ack.Payload))
		return
	}
	fmt.Fprintln(out, "file deleted successfully.")
}

func (s *Session) cmdListServer(out io.Writer) {
	s.lockRequest()
	res, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeListServerReq})
	s.unlockRequest()
	if err != nil || res.Type != protocol.TypeListServerRes {
		fmt.Fprintln(out, "list_server failed: no response")
		return
	}
	out.Write(res.Payload)
}

func (s *Session) cmdListClient(out io.Writer) {
	files, err := s.store.List()
	if err != nil {
		fmt.Fprintf(out, "list_client failed: %v\n", err)
		return
	}
	out.Write(protocol.EncodeListing(files))
}

// pathBase extracts the basename from a user-supplied path, tolerating
// either OS path separator.
func pathBase(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

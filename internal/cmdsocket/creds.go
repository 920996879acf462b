// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmdsocket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCred is the PID/UID/GID of a Unix domain socket's peer, as
// returned by SO_PEERCRED. It is the Go equivalent of
// cmdconnection.py's getsockpeercred.
type PeerCred struct {
	Pid int32
	Uid uint32
	Gid uint32
}

func peerCred(uc *net.UnixConn) (PeerCred, error) {
	rc, err := uc.SyscallConn()
	if err != nil {
		return PeerCred{}, err
	}

	var cred *unix.Ucred
	var opErr error
	err = rc.Control(func(fd uintptr) {
		cred, opErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCred{}, err
	}
	if opErr != nil {
		return PeerCred{}, opErr
	}
	return PeerCred{Pid: cred.Pid, Uid: cred.Uid, Gid: cred.Gid}, nil
}

// cmsgSpaceFDs returns the ancillary-data buffer size needed to
// receive up to n passed file descriptors.
func cmsgSpaceFDs(n int) int {
	return unix.CmsgSpace(n * 4)
}

// parseFDs extracts any SCM_RIGHTS file descriptors from raw
// out-of-band data, wrapping each in an *os.File.
func parseFDs(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}

	var files []*os.File
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "cmdsocket-fd"))
		}
	}
	return files, nil
}

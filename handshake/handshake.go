// Package handshake authenticates a fresh connection before it is handed over to the liveness layer.
//
// Both sides send a hello with their identity and a random challenge, then answer the remote challenge sealed with
// their private key. A side that cannot open the answer with the claimed public key is rejected.
package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
)

const (
	ProtocolVersion = 1
	challengeSize   = 32
)

var (
	ErrSelfConnection     = errors.New("connected to self")
	ErrVersionMismatch    = errors.New("handshake version mismatch")
	ErrAuthenticationFail = errors.New("peer failed to prove its identity")
)

// ConnInfo describes the remote side of an authenticated connection
type ConnInfo struct {
	ID         wgtypes.Key       `msgpack:"id"`
	Kind       messages.PeerKind `msgpack:"kind"`
	ListenAddr string            `msgpack:"listen_addr"`
	Version    int               `msgpack:"version"`
}

type hello struct {
	Info      ConnInfo `msgpack:"info"`
	Challenge []byte   `msgpack:"challenge"`
}

type proof struct {
	Sealed []byte `msgpack:"sealed"`
}

// Exchange runs the handshake on a raw message connection. If ctx is done before the handshake completes the
// connection is closed, so a silent remote side cannot block the caller.
func Exchange(ctx context.Context, conn transport.MsgConn, privateKey wgtypes.Key, kind messages.PeerKind, listenAddr string) (ConnInfo, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return ConnInfo{}, fmt.Errorf("failed to generate challenge: %w", err)
	}

	local := hello{
		Info: ConnInfo{
			ID:         privateKey.PublicKey(),
			Kind:       kind,
			ListenAddr: listenAddr,
			Version:    ProtocolVersion,
		},
		Challenge: challenge,
	}

	var remote hello
	if err := exchangeMsg(ctx, conn, local, &remote); err != nil {
		return ConnInfo{}, fmt.Errorf("failed to exchange hello: %w", err)
	}

	if remote.Info.Version != ProtocolVersion {
		return ConnInfo{}, fmt.Errorf("%w: %d", ErrVersionMismatch, remote.Info.Version)
	}
	if remote.Info.ID == local.Info.ID {
		return ConnInfo{}, ErrSelfConnection
	}
	if len(remote.Challenge) != challengeSize {
		return ConnInfo{}, fmt.Errorf("invalid challenge length: %d", len(remote.Challenge))
	}

	sealed, err := Encrypt(remote.Challenge, remote.Info.ID, privateKey)
	if err != nil {
		return ConnInfo{}, err
	}

	var remoteProof proof
	if err := exchangeMsg(ctx, conn, proof{Sealed: sealed}, &remoteProof); err != nil {
		return ConnInfo{}, fmt.Errorf("failed to exchange proof: %w", err)
	}

	opened, err := Decrypt(remoteProof.Sealed, remote.Info.ID, privateKey)
	if err != nil {
		return ConnInfo{}, fmt.Errorf("%w: %s", ErrAuthenticationFail, err)
	}
	if !bytes.Equal(opened, challenge) {
		return ConnInfo{}, ErrAuthenticationFail
	}

	log.Debugf("handshake done with %s %s", remote.Info.Kind, remote.Info.ID)
	return remote.Info, nil
}

// exchangeMsg writes and reads concurrently, both sides send first
func exchangeMsg(ctx context.Context, conn transport.MsgConn, out any, in any) error {
	payload, err := msgpack.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal handshake message: %w", err)
	}

	msg, err := messages.MarshalFrame(messages.Frame{Type: messages.MsgTypeHandshake, Payload: payload})
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.WriteMsg(gCtx, msg)
	})

	var frame messages.Frame
	g.Go(func() error {
		raw, err := conn.ReadMsg(gCtx)
		if err != nil {
			return err
		}
		frame, err = messages.UnmarshalFrame(raw)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if frame.Type != messages.MsgTypeHandshake {
		return fmt.Errorf("unexpected %s during handshake", frame)
	}
	if err := msgpack.Unmarshal(frame.Payload, in); err != nil {
		return fmt.Errorf("failed to unmarshal handshake message: %w", err)
	}
	return nil
}

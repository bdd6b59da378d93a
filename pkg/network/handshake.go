package network

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

// handshake authenticates a fresh transport:
//
//	C->S hello{v,suite,dict,phone,device}   content: suite hello
//	S->C challenge{nonce}                   content: suite reply
//	C->S auth                               content: HMAC(mac key, transcript)
//	S->C success{t,device} sealed, or failure{reason} in plaintext
//
// Every failure of the exchange is reported as crypto.ErrAuth. If ctx ends
// the transport is closed to unblock the pending read.
func (c *Client) handshake(ctx context.Context, tr transport.Transport, creds Credentials) (sess *Session, err error) {
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer func() {
		if !stop() && err == nil {
			sess.destroy()
			sess, err = nil, fmt.Errorf("%w: handshake: %w", ErrTimeout, ctx.Err())
		} else if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: handshake: %w", ErrTimeout, err)
		}
	}()

	suite, err := c.opts.Suites.Lookup(c.opts.Suite)
	if err != nil {
		return nil, err
	}
	initiator, err := suite.NewInitiator()
	if err != nil {
		return nil, err
	}

	hello := protocol.NewNode(protocol.TagHello,
		protocol.String(protocol.AttrVersion, protocol.ProtocolVersion),
		protocol.String(protocol.AttrSuite, suite.Name()),
		protocol.Int(protocol.AttrDict, int64(c.codec.Dictionary().Version())),
		protocol.String(protocol.AttrPhone, creds.Phone),
		protocol.String(protocol.AttrDevice, creds.DeviceID),
	)
	hello.Content = initiator.Hello()
	helloFrame, err := c.codec.Marshal(hello)
	if err != nil {
		return nil, err
	}
	if err := tr.Send(ctx, helloFrame); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	challengeFrame, err := tr.Recv()
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	challenge, err := c.codec.Unmarshal(challengeFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: challenge: %w", crypto.ErrAuth, err)
	}
	switch challenge.Tag {
	case protocol.TagChallenge:
	case protocol.TagFailure:
		return nil, fmt.Errorf("%w: rejected: %s", crypto.ErrAuth, challenge.AttrString(protocol.AttrReason))
	default:
		return nil, fmt.Errorf("%w: expected <%s>, got <%s>", crypto.ErrAuth, protocol.TagChallenge, challenge.Tag)
	}

	secret, err := initiator.Finish(challenge.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrAuth, err)
	}
	transcript := crypto.Transcript(helloFrame, challengeFrame)
	keys, err := crypto.DeriveSessionKeys(secret, creds.Secret, transcript, suite.Name())
	crypto.Zero(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrAuth, err)
	}

	auth := protocol.NewNode(protocol.TagAuth)
	auth.Content = crypto.Proof(keys.MAC, transcript)
	authFrame, err := c.codec.Marshal(auth)
	if err != nil {
		keys.Destroy()
		return nil, err
	}
	if err := tr.Send(ctx, authFrame); err != nil {
		keys.Destroy()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	channel, err := crypto.NewChannel(keys, true)
	if err != nil {
		keys.Destroy()
		return nil, fmt.Errorf("%w: %w", crypto.ErrAuth, err)
	}

	resultFrame, err := tr.Recv()
	if err != nil {
		channel.Destroy()
		return nil, fmt.Errorf("read auth result: %w", err)
	}
	if frame, openErr := channel.Open(resultFrame); openErr == nil {
		result, err := c.codec.Unmarshal(frame)
		if err != nil || result.Tag != protocol.TagSuccess {
			channel.Destroy()
			return nil, fmt.Errorf("%w: unexpected auth result", crypto.ErrAuth)
		}
		return &Session{
			DeviceID:    creds.DeviceID,
			Phone:       creds.Phone,
			JID:         protocol.UserJID(creds.Phone),
			Suite:       suite.Name(),
			Established: time.Now(),
			ServerTime:  unixTime(result),
			channel:     channel,
		}, nil
	}

	channel.Destroy()
	if failure, err := c.codec.Unmarshal(resultFrame); err == nil && failure.Tag == protocol.TagFailure {
		return nil, fmt.Errorf("%w: %s", crypto.ErrAuth, failure.AttrString(protocol.AttrReason))
	}
	return nil, fmt.Errorf("%w: unreadable auth result", crypto.ErrAuth)
}

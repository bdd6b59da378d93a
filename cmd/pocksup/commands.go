package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
)

func runRegister(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	voice := fs.Bool("voice", false, "Ask for a voice call instead of an SMS")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errUsage
	}
	method := network.MethodSMS
	if *voice {
		method = network.MethodVoice
	}
	if err := a.client.Register(ctx, fs.Arg(0), method); err != nil {
		return err
	}
	fmt.Printf("verification code sent by %s; run: pocksup verify %s <code>\n", method, fs.Arg(0))
	return nil
}

func runVerify(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errUsage
	}
	if err := a.client.Verify(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
		return err
	}
	sess, _ := a.client.Session()
	fmt.Printf("registered %s as %s (device %s)\n", sess.Phone, sess.JID, sess.DeviceID)
	return nil
}

func runSend(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	quote := fs.String("quote", "", "Id of the message to reply to")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return errUsage
	}
	var opts []network.SendOption
	if *quote != "" {
		opts = append(opts, network.Quoting(*quote))
	}
	id, err := a.client.SendText(ctx, fs.Arg(0), strings.Join(fs.Args()[1:], " "), opts...)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", id)
	return nil
}

func runSendMedia(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	caption := fs.String("caption", "", "Caption shown with the media")
	mime := fs.String("mime", "", "MIME type (detected when empty)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errUsage
	}
	path := fs.Arg(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	id, err := a.client.SendMedia(ctx, fs.Arg(0), data, network.MediaDescriptor{
		MimeType: *mime,
		FileName: filepath.Base(path),
		Caption:  *caption,
	})
	if err != nil {
		return err
	}
	fmt.Printf("sent %s (%d bytes)\n", id, len(data))
	return nil
}

func runListen(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	markRead := fs.Bool("read", false, "Send read receipts for incoming messages")
	mediaDir := fs.String("media", "", "Download incoming media into this directory")
	fs.Parse(args)
	if fs.NArg() != 0 {
		return errUsage
	}
	if *mediaDir != "" {
		if err := os.MkdirAll(*mediaDir, 0o700); err != nil {
			return err
		}
	}

	// Handlers run on the dispatcher goroutine; network calls go elsewhere
	incoming := make(chan network.IncomingMessage, 64)
	defer a.client.Handle(network.KindAll, network.HandlerFunc(func(e network.Event) {
		if m, ok := e.(network.IncomingMessage); ok {
			select {
			case incoming <- m:
			default:
			}
		}
		printEvent(e)
	}))()

	sess, _ := a.client.Session()
	fmt.Printf("listening as %s, press Ctrl+C to stop\n", sess.JID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-incoming:
			if *markRead {
				if err := a.client.MarkRead(ctx, m.From, m.ID); err != nil {
					fmt.Fprintf(os.Stderr, "read receipt for %s: %v\n", m.ID, err)
				}
			}
			if m.Media != nil && *mediaDir != "" {
				saveMedia(ctx, a, *mediaDir, m)
			}
		}
	}
}

func saveMedia(ctx context.Context, a *app, dir string, m network.IncomingMessage) {
	data, desc, err := a.client.DownloadMedia(ctx, *m.Media)
	if err != nil {
		fmt.Fprintf(os.Stderr, "download %s: %v\n", m.ID, err)
		return
	}
	name := desc.FileName
	if name == "" {
		name = m.ID
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "save %s: %v\n", path, err)
		return
	}
	fmt.Printf("  saved %s\n", path)
}

func printEvent(e network.Event) {
	ts := time.Now().Format("15:04:05")
	switch ev := e.(type) {
	case network.IncomingMessage:
		from := ev.From
		if ev.IsGroup() {
			from = ev.Participant + " in " + ev.From
		}
		body := ev.Text
		switch {
		case ev.Media != nil:
			body = fmt.Sprintf("[%s %s, %d bytes] %s", ev.Media.Type, ev.Media.MimeType, ev.Media.Size, ev.Text)
		case ev.Location != nil:
			body = fmt.Sprintf("[location %.5f,%.5f %s]", ev.Location.Latitude, ev.Location.Longitude, ev.Location.Name)
		case len(ev.Contacts) > 0:
			body = fmt.Sprintf("[contact %s]", ev.Contacts[0].Name)
		}
		fmt.Printf("%s %s <%s> %s (%s)\n", ts, from, ev.PushName, body, ev.ID)
	case network.DeliveryReceipt:
		fmt.Printf("%s %s %s by %s\n", ts, ev.ID, ev.Type, ev.From)
	case network.PresenceUpdate:
		fmt.Printf("%s %s is %s\n", ts, ev.From, ev.Type)
	case network.ChatStateUpdate:
		fmt.Printf("%s %s %s\n", ts, ev.From, ev.State)
	case network.GroupUpdate:
		fmt.Printf("%s group %s %s %s %s\n", ts, ev.Group, ev.Action, strings.Join(ev.Participants, ","), ev.Subject)
	case network.ConnectionStateChanged:
		fmt.Printf("%s connection %s -> %s %s\n", ts, ev.From, ev.To, ev.Reason)
	}
}

func runGroup(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errUsage
	}
	rest := fs.Args()[1:]

	switch fs.Arg(0) {
	case "create":
		if len(rest) < 2 {
			return errUsage
		}
		g, err := a.client.CreateGroup(ctx, rest[0], rest[1:])
		if err != nil {
			return err
		}
		fmt.Printf("created %s %q with %d participants\n", g.ID, g.Subject, len(g.Participants))
	case "add", "remove":
		if len(rest) < 2 {
			return errUsage
		}
		change := a.client.AddParticipants
		if fs.Arg(0) == "remove" {
			change = a.client.RemoveParticipants
		}
		if err := change(ctx, protocol.GroupJID(rest[0]), rest[1:]); err != nil {
			return err
		}
	case "subject":
		if len(rest) < 2 {
			return errUsage
		}
		return a.client.SetGroupSubject(ctx, protocol.GroupJID(rest[0]), strings.Join(rest[1:], " "))
	case "leave":
		if len(rest) != 1 {
			return errUsage
		}
		return a.client.LeaveGroup(ctx, protocol.GroupJID(rest[0]))
	case "list":
		for _, g := range a.client.Directory().Groups() {
			fmt.Printf("%s %q\n", g.ID, g.Subject)
			for _, p := range g.Participants {
				fmt.Printf("  %s %s\n", p.JID, p.Role)
			}
		}
	default:
		return errUsage
	}
	return nil
}

func runHistory(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	limit := fs.Int("limit", 20, "Number of messages")
	fs.Parse(args)
	if fs.NArg() != 1 || *limit <= 0 {
		return errUsage
	}
	records, err := a.db.ChatMessages(ctx, protocol.ToJID(fs.Arg(0)), *limit, 0)
	if err != nil {
		return err
	}
	for _, r := range records {
		dir := "<"
		if r.Outgoing {
			dir = ">"
		}
		text := r.Text
		if text == "" {
			text = "[" + r.Type + "]"
		}
		fmt.Printf("%s %s %s %s (%s)\n", r.Timestamp.Format("2006-01-02 15:04"), dir, text, r.ID, r.Status)
	}
	return nil
}

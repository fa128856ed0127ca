// Package bus is the notification layer between processes: a wakeup
// bell plus short JSON control strings. It is a signal path, not a
// message carrier — journal frames stay in the journals.
//
// The master binds a pub socket (notices out) and a pull socket
// (requests in); peers connect the mirror sockets. Endpoint URLs are
// published as files in the master's nanomsg layout directory so peers
// can discover them from the filesystem alone.
package bus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// ipc is the only transport used; sockets live next to the journals.
	_ "go.nanomsg.org/mangos/v3/transport/ipc"

	"loom"
	"loom/journal"
)

const (
	noticeFile  = "notice.nn"
	serviceFile = "service.nn"

	// dialMaxElapsed bounds how long a peer retries connecting to the
	// master's sockets before giving up.
	dialMaxElapsed = 10 * time.Second
)

// Publisher rings the bell or sends a short control string.
type Publisher interface {
	Notify() error
	Publish(json string) error
	Close() error
}

// Observer blocks for the next notice.
type Observer interface {
	// Wait blocks until a notice arrives or timeout passes. ok is false
	// on timeout. The notice payload is empty for a bare bell.
	Wait(timeout time.Duration) (notice string, ok bool, err error)
	Close() error
}

// Endpoints are the master's two socket URLs.
type Endpoints struct {
	NoticeURL  string
	ServiceURL string
}

// WriteEndpoints resolves and persists the master's endpoint files,
// returning the URLs to bind.
func WriteEndpoints(locator journal.Locator, master loom.Location) (Endpoints, error) {
	dir, err := locator.LayoutDir(master, loom.LayoutNanomsg)
	if err != nil {
		return Endpoints{}, err
	}
	ep := Endpoints{
		NoticeURL:  "ipc://" + filepath.Join(dir, "notice.ipc"),
		ServiceURL: "ipc://" + filepath.Join(dir, "service.ipc"),
	}
	if err := os.WriteFile(filepath.Join(dir, noticeFile), []byte(ep.NoticeURL), 0o644); err != nil {
		return Endpoints{}, fmt.Errorf("write notice endpoint: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, serviceFile), []byte(ep.ServiceURL), 0o644); err != nil {
		return Endpoints{}, fmt.Errorf("write service endpoint: %w", err)
	}
	return ep, nil
}

// ReadEndpoints loads the master's endpoint files.
func ReadEndpoints(locator journal.Locator, master loom.Location) (Endpoints, error) {
	dir, err := locator.LayoutDir(master, loom.LayoutNanomsg)
	if err != nil {
		return Endpoints{}, err
	}
	notice, err := os.ReadFile(filepath.Join(dir, noticeFile))
	if err != nil {
		return Endpoints{}, fmt.Errorf("read notice endpoint: %w", err)
	}
	service, err := os.ReadFile(filepath.Join(dir, serviceFile))
	if err != nil {
		return Endpoints{}, fmt.Errorf("read service endpoint: %w", err)
	}
	return Endpoints{NoticeURL: string(notice), ServiceURL: string(service)}, nil
}

// socketPublisher sends notices on any mangos send socket.
type socketPublisher struct {
	sock mangos.Socket
}

func (p *socketPublisher) Notify() error { return p.send("") }

func (p *socketPublisher) Publish(json string) error { return p.send(json) }

func (p *socketPublisher) send(payload string) error {
	if err := p.sock.Send([]byte(payload)); err != nil {
		return fmt.Errorf("bus send: %w", err)
	}
	return nil
}

func (p *socketPublisher) Close() error { return p.sock.Close() }

// socketObserver receives notices from any mangos recv socket.
type socketObserver struct {
	sock mangos.Socket
}

func (o *socketObserver) Wait(timeout time.Duration) (string, bool, error) {
	if err := o.sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return "", false, fmt.Errorf("bus deadline: %w", err)
	}
	msg, err := o.sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrRecvTimeout) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("bus recv: %w", err)
	}
	return string(msg), true, nil
}

func (o *socketObserver) Close() error { return o.sock.Close() }

// BindNotice binds the master's pub socket. The returned publisher fans
// notices out to every connected peer.
func BindNotice(ep Endpoints) (Publisher, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("bus pub socket: %w", err)
	}
	if err := sock.Listen(ep.NoticeURL); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bus listen %s: %w", ep.NoticeURL, err)
	}
	return &socketPublisher{sock: sock}, nil
}

// BindService binds the master's pull socket; peer requests arrive here.
func BindService(ep Endpoints) (Observer, error) {
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("bus pull socket: %w", err)
	}
	if err := sock.Listen(ep.ServiceURL); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bus listen %s: %w", ep.ServiceURL, err)
	}
	return &socketObserver{sock: sock}, nil
}

// DialNotice connects a peer's sub socket to the master's notices,
// retrying with exponential backoff while the master comes up.
func DialNotice(ep Endpoints) (Observer, error) {
	var sock mangos.Socket
	err := retryDial(func() error {
		s, err := sub.NewSocket()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
			_ = s.Close()
			return backoff.Permanent(err)
		}
		if err := s.Dial(ep.NoticeURL); err != nil {
			_ = s.Close()
			return err
		}
		sock = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus dial %s: %w", ep.NoticeURL, err)
	}
	return &socketObserver{sock: sock}, nil
}

// DialService connects a peer's push socket to the master's service
// side, retrying with exponential backoff.
func DialService(ep Endpoints) (Publisher, error) {
	var sock mangos.Socket
	err := retryDial(func() error {
		s, err := push.NewSocket()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.Dial(ep.ServiceURL); err != nil {
			_ = s.Close()
			return err
		}
		sock = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus dial %s: %w", ep.ServiceURL, err)
	}
	return &socketPublisher{sock: sock}, nil
}

func retryDial(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = dialMaxElapsed
	return backoff.Retry(op, b)
}

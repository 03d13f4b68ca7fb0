package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"PPAuth/module/tab"
	"PPAuth/service/transport"
)

const consoleHelp = `commands:
  login <user> [remember]   log in through the auth server
  activity [kind]           record a user interaction (default click)
  refresh                   refresh credentials now
  offline | online          toggle network state
  remember on|off           set the remember-me preference
  status                    print role, session and credentials
  logout                    log out every context
  quit`

type console struct {
	tab    *tab.Tab
	client *transport.HTTPClient
	log    *zap.Logger
}

// Run reads commands until EOF, quit or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	fmt.Fprintln(out, consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, strings.Fields(line), out); quit {
				return nil
			}
		}
	}
}

func (c *console) exec(ctx context.Context, args []string, out io.Writer) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(out, "usage: login <user> [remember]")
			return false
		}
		resp, err := c.client.Login(ctx, transport.LoginRequest{UserID: args[1], RememberMe: len(args) > 2 && args[2] == "remember"})
		if err != nil {
			fmt.Fprintf(out, "login failed: %v\n", err)
			return false
		}
		if err := c.tab.Login(ctx, tab.LoginResultFrom(resp)); err != nil {
			fmt.Fprintf(out, "login failed: %v\n", err)
		}
	case "activity":
		kind := "click"
		if len(args) > 1 {
			kind = args[1]
		}
		fmt.Fprintf(out, "recorded: %v\n", c.tab.RecordActivity(kind))
	case "refresh":
		res, err := c.tab.Refresh(ctx)
		if err != nil {
			fmt.Fprintf(out, "refresh failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "version %d, expires %s, adopted %v\n", res.Version, res.ExpiresAt.Format("15:04:05"), res.Adopted)
	case "offline":
		c.tab.SetOnline(false)
	case "online":
		c.tab.SetOnline(true)
	case "remember":
		c.tab.SetRememberMe(len(args) > 1 && args[1] == "on")
	case "status":
		snap := c.tab.Credentials()
		fmt.Fprintf(out, "context %s role %s session %s\n", c.tab.ID(), c.tab.Role(), c.tab.Status())
		fmt.Fprintf(out, "credentials exists=%v version=%d expires=%s\n", snap.Exists, snap.Version, snap.ExpiresAt.Format("15:04:05"))
	case "logout":
		if err := c.tab.Logout(ctx, tab.ReasonUser); err != nil {
			fmt.Fprintf(out, "logout failed: %v\n", err)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(out, consoleHelp)
	}
	c.log.Debug("command", zap.String("cmd", args[0]))
	return false
}

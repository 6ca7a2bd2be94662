/*
lmtpd - concurrent LMTP delivery agent and search folder engine.
Copyright © 2019-2026 lmtpd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command lmtpdeliver performs a single local delivery (one message, one or
// more recipients) or, with -l/-d, runs the LMTP listener loop. It is the
// sendmail-style entry point MTAs exec per message.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mailstacks/lmtpd/framework/config"
	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/autoreply"
	"github.com/mailstacks/lmtpd/internal/delivery"
	"github.com/mailstacks/lmtpd/internal/endpoint/lmtp"
	"github.com/mailstacks/lmtpd/internal/listener"
	"github.com/mailstacks/lmtpd/internal/recipient"
	"github.com/mailstacks/lmtpd/internal/store"
	"github.com/mailstacks/lmtpd/internal/store/memstore"
)

// Version is stamped by the build.
var Version = "go-build"

// sendmail-compatible exit codes; qmail mode substitutes its own pair.
const (
	exOK       = 0
	exUsage    = 64
	exSoftware = 70
	exTempFail = 75

	qmailSoftware = 100
	qmailTempFail = 111
)

type deliverConfig struct {
	hostname string
	tempDir  string

	ldapURLs   []string
	ldapBaseDN string
	ldapFilter string

	lmtpListen []string
	maxThreads int

	forwardWhitelist []string
	noDoubleForward  bool
	spamHeader       string
	spamHeaderValue  string

	autoAcceptScript    string
	autoProcessScript   string
	autoResponderScript string
	autoAcceptConfig    string

	raw []config.Node
}

func readConfig(path string) (*deliverConfig, error) {
	dc := &deliverConfig{
		hostname: "localhost",
		tempDir:  os.TempDir(),
	}
	if path == "" {
		return dc, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nodes, err := config.Read(f, path)
	if err != nil {
		return nil, err
	}
	dc.raw = nodes

	m := config.NewMap(nil, config.Node{Children: nodes})
	m.AllowUnknown()
	m.String("hostname", false, false, "localhost", &dc.hostname)
	m.String("temp_dir", false, false, os.TempDir(), &dc.tempDir)
	m.StringList("ldap_uri", false, false, nil, &dc.ldapURLs)
	m.String("ldap_search_base", false, false, "", &dc.ldapBaseDN)
	m.String("ldap_filter", false, false, "(|(mail={smtp})(otherMailbox={smtp}))", &dc.ldapFilter)
	m.StringList("lmtp_listen", false, false, []string{"lmtp://127.0.0.1:24"}, &dc.lmtpListen)
	m.Int("lmtp_max_threads", false, false, listener.DefaultMaxSessions, &dc.maxThreads)
	m.StringList("forward_whitelist_domains", false, false, []string{"*"}, &dc.forwardWhitelist)
	m.Bool("no_double_forward", false, true, &dc.noDoubleForward)
	m.String("spam_header", false, false, "", &dc.spamHeader)
	m.String("spam_header_value", false, false, "", &dc.spamHeaderValue)
	m.String("autoaccept_script", false, false, "", &dc.autoAcceptScript)
	m.String("autoprocess_script", false, false, "", &dc.autoProcessScript)
	m.String("autoresponder", false, false, "", &dc.autoResponderScript)
	m.String("autoaccept_config", false, false, "", &dc.autoAcceptConfig)
	if _, err := m.Process(); err != nil {
		return nil, err
	}
	return dc, nil
}

func dumpConfig(dc *deliverConfig, w io.Writer) {
	for _, node := range dc.raw {
		dumpNode(w, node, 0)
	}
}

func dumpNode(w io.Writer, node config.Node, depth int) {
	for i := 0; i < depth; i++ {
		fmt.Fprint(w, "    ")
	}
	fmt.Fprint(w, node.Name)
	for _, arg := range node.Args {
		fmt.Fprintf(w, " %s", arg)
	}
	if len(node.Children) != 0 {
		fmt.Fprintln(w, " {")
		for _, child := range node.Children {
			dumpNode(w, child, depth+1)
		}
		for i := 0; i < depth; i++ {
			fmt.Fprint(w, "    ")
		}
		fmt.Fprintln(w, "}")
		return
	}
	fmt.Fprintln(w)
}

func main() {
	app := &cli.App{
		Name:    "lmtpdeliver",
		Usage:   "deliver a message to one or more local mailboxes",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file"},
			&cli.StringFlag{Name: "host", Aliases: []string{"h"}, Usage: "storage server socket URL"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "read the message from `FILE` instead of stdin"},
			&cli.BoolFlag{Name: "junk", Aliases: []string{"j"}, Usage: "deliver to the junk folder"},
			&cli.StringFlag{Name: "folder", Aliases: []string{"F"}, Usage: "deliver to a subfolder of the store"},
			&cli.StringFlag{Name: "public", Aliases: []string{"P"}, Usage: "deliver to a folder of the public store"},
			&cli.StringFlag{Name: "path-separator", Aliases: []string{"p"}, Value: `\`, Usage: "folder path separator"},
			&cli.BoolFlag{Name: "create", Aliases: []string{"C"}, Usage: "create the target folder when missing"},
			&cli.BoolFlag{Name: "listen", Aliases: []string{"l"}, Usage: "run as an LMTP listener"},
			&cli.BoolFlag{Name: "daemonize", Aliases: []string{"d"}, Usage: "daemonize and run as an LMTP listener"},
			&cli.BoolFlag{Name: "read", Aliases: []string{"r"}, Usage: "mark the message as read"},
			&cli.BoolFlag{Name: "no-notify", Aliases: []string{"N"}, Usage: "suppress the new-mail notification"},
			&cli.BoolFlag{Name: "delivery-now", Aliases: []string{"n"}, Usage: "set the delivery time to now"},
			&cli.BoolFlag{Name: "strip-domain", Aliases: []string{"e"}, Usage: "strip the domain from the recipient username"},
			&cli.BoolFlag{Name: "resolve", Aliases: []string{"R"}, Usage: "require address resolution against the directory"},
			&cli.BoolFlag{Name: "qmail", Aliases: []string{"q"}, Usage: "use qmail-style exit codes"},
			&cli.BoolFlag{Name: "silent", Aliases: []string{"s"}, Usage: "suppress diagnostic output"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "verbose (debug) output"},
			&cli.StringFlag{Name: "autoresponder", Aliases: []string{"a"}, Usage: "autoresponder helper path"},
			&cli.BoolFlag{Name: "dump-config", Usage: "print the effective configuration and exit"},
		},
		HideHelpCommand: true,
		// -h is the storage server URL, so the built-in help flag is
		// disabled (app.HideHelp is set to true below); neither -h nor
		// --help prints usage.
		HideHelp: false,
		Action:   run,
	}
	app.Suggest = true
	app.HideHelp = true
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Aliases: []string{"V"}, Usage: "print the version"}

	if err := app.Run(os.Args); err != nil {
		code := exSoftware
		var exitErr cli.ExitCoder
		if ok := asExitCoder(err, &exitErr); ok {
			code = exitErr.ExitCode()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}

func asExitCoder(err error, target *cli.ExitCoder) bool {
	if ec, ok := err.(cli.ExitCoder); ok {
		*target = ec
		return true
	}
	return false
}

func run(c *cli.Context) error {
	qmail := c.Bool("qmail")
	tempFail := exTempFail
	software := exSoftware
	if qmail {
		tempFail = qmailTempFail
		software = qmailSoftware
	}

	dc, err := readConfig(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("lmtpdeliver: cannot read configuration: %v", err), software)
	}
	if c.Bool("dump-config") {
		dumpConfig(dc, os.Stdout)
		return nil
	}
	if a := c.String("autoresponder"); a != "" {
		dc.autoResponderScript = a
	}

	lg := log.DefaultLogger
	lg.Debug = c.Bool("verbose")
	if c.Bool("silent") {
		lg.Out = log.NopOutput{}
	}

	orch, dir := buildStack(dc, lg, c)

	if c.Bool("listen") || c.Bool("daemonize") {
		if dir == nil {
			return cli.Exit("lmtpdeliver: LMTP mode requires a configured directory (ldap_uri)", exUsage)
		}
		// LMTP mode always exits EX_OK; per-recipient failures are carried
		// in the protocol responses instead.
		if err := lmtpMode(dc, lg, orch, dir); err != nil {
			lg.Error("listener failed", err)
		}
		return nil
	}

	return singleDelivery(c, dc, lg, orch, dir, tempFail, software)
}

// buildStack wires the orchestrator and directory shared by both modes.
func buildStack(dc *deliverConfig, lg log.Logger, c *cli.Context) (*delivery.Orchestrator, *recipient.Directory) {
	var dir *recipient.Directory
	if len(dc.ldapURLs) != 0 {
		dir = recipient.NewDirectory(log.Logger{Name: "recipient", Out: lg.Out, Debug: lg.Debug},
			dc.ldapURLs, dc.ldapBaseDN, dc.ldapFilter)
	}

	mode := delivery.ModeStore
	if c.Bool("junk") {
		mode = delivery.ModeJunk
	}
	subfolder := c.String("folder")
	publicPath := c.String("public")
	if publicPath != "" {
		mode = delivery.ModePublic
	}

	provider := memstore.NewProvider()
	orch := &delivery.Orchestrator{
		Log: log.Logger{Name: "delivery", Out: lg.Out, Debug: lg.Debug},
		Cfg: delivery.Config{
			NewmailNotify:           !c.Bool("no-notify"),
			PublicPath:              publicPath,
			SubfolderPath:           subfolder,
			SubfolderSep:            c.String("path-separator"),
			CreateSubfolder:         c.Bool("create"),
			Mode:                    mode,
			MarkRead:                c.Bool("read"),
			SpamHeaderName:          dc.spamHeader,
			SpamHeaderValuePrefix:   dc.spamHeaderValue,
			ForwardWhitelistDomains: dc.forwardWhitelist,
			NoDoubleForward:         dc.noDoubleForward,
			AutoAcceptConfigPath:    dc.autoAcceptConfig,
			TempDir:                 dc.tempDir,
		},
		Dial: func(ctx context.Context, company, homeServer string) (store.Session, error) {
			return lazySession{p: provider}, nil
		},
		Convert: delivery.MessageConverter{},
		AutoReply: autoreply.Config{
			Log:                 log.Logger{Name: "autoreply", Out: lg.Out, Debug: lg.Debug},
			AutoAcceptScript:    dc.autoAcceptScript,
			AutoProcessScript:   dc.autoProcessScript,
			AutoResponderScript: dc.autoResponderScript,
		},
	}
	return orch, dir
}

type lazySession struct {
	p *memstore.Provider
}

func (s lazySession) OpenStore(ctx context.Context, id store.StoreID) (store.Store, error) {
	return s.p.AddStore(id), nil
}

func (s lazySession) Logoff() error { return nil }

func lmtpMode(dc *deliverConfig, lg log.Logger, orch *delivery.Orchestrator, dir *recipient.Directory) error {
	backend := &lmtp.Backend{
		Log:       log.Logger{Name: "lmtp", Out: lg.Out, Debug: lg.Debug},
		Dir:       dir,
		Deliverer: orch,
		TempDir:   dc.tempDir,
		Hostname:  dc.hostname,
	}
	endp := listener.New(listener.Config{
		Log:         log.Logger{Name: "listener", Out: lg.Out, Debug: lg.Debug},
		Backend:     backend,
		Hostname:    dc.hostname,
		MaxSessions: dc.maxThreads,
		ReadTimeout: time.Minute,
	})
	if err := endp.Listen(dc.lmtpListen); err != nil {
		return err
	}
	defer endp.Close()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	return nil
}

func singleDelivery(c *cli.Context, dc *deliverConfig, lg log.Logger, orch *delivery.Orchestrator, dir *recipient.Directory, tempFail, software int) error {
	if c.NArg() == 0 {
		return cli.Exit("lmtpdeliver: no recipients given", exUsage)
	}

	var raw []byte
	var err error
	if path := c.String("file"); path != "" {
		raw, err = os.ReadFile(path)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("lmtpdeliver: cannot read message: %v", err), software)
	}

	grouper := recipient.NewGrouper(dir)
	ctx := context.Background()
	for _, rcptArg := range c.Args().Slice() {
		rcpt := rcptArg
		if c.Bool("strip-domain") {
			if at := strings.IndexByte(rcpt, '@'); at >= 0 {
				rcpt = rcpt[:at]
			}
		}

		if dir == nil {
			if c.Bool("resolve") {
				return cli.Exit("lmtpdeliver: -R requires a configured directory", exUsage)
			}
			account := rcpt
			if at := strings.IndexByte(account, '@'); at >= 0 {
				account = account[:at]
			}
			grouper.AddResolved(&recipient.Recipient{
				EntryID: []byte(rcpt),
				Account: account,
				SMTP:    rcpt,
			}, rcptArg, "%s Ok")
			continue
		}

		_, status := grouper.Add(ctx, rcpt, "%s Ok")
		switch status {
		case recipient.StatusResolved:
		case recipient.StatusNotFound, recipient.StatusAmbiguous:
			return cli.Exit(fmt.Sprintf("lmtpdeliver: unknown recipient %q", rcptArg), software)
		default:
			return cli.Exit(fmt.Sprintf("lmtpdeliver: directory error resolving %q", rcptArg), tempFail)
		}
	}

	tmp, err := os.CreateTemp(dc.tempDir, "lmtpdeliver-*.eml")
	if err != nil {
		return cli.Exit(fmt.Sprintf("lmtpdeliver: %v", err), tempFail)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return cli.Exit(fmt.Sprintf("lmtpdeliver: %v", err), tempFail)
	}
	tmp.Close()

	results, err := orch.Deliver(ctx, tmp.Name(), "", grouper.Group())
	if err != nil {
		return cli.Exit(fmt.Sprintf("lmtpdeliver: delivery failed: %v", err), tempFail)
	}

	// Collapse the per-recipient outcomes into the highest-severity exit
	// code: software > tempfail > ok.
	worst := exOK
	for r, status := range results {
		switch status {
		case lmtp.StatusOK, lmtp.StatusExpired:
		case lmtp.StatusTemporarilyUnavailable:
			lg.Printf("delivery to %s deferred", r.SMTP)
			if worst == exOK {
				worst = tempFail
			}
		default:
			lg.Printf("delivery to %s failed", r.SMTP)
			worst = software
		}
	}
	if worst != exOK {
		return cli.Exit("", worst)
	}
	return nil
}

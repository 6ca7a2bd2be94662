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

// Command lmtpd is the long-running delivery daemon: the multi-socket LMTP
// listener, the delivery orchestrator and the search folder engine, driven
// by one directive-style config file.
package main

import (
	"context"
	"database/sql"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mailstacks/lmtpd/framework/config"
	"github.com/mailstacks/lmtpd/framework/hooks"
	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/archive"
	"github.com/mailstacks/lmtpd/internal/autoreply"
	"github.com/mailstacks/lmtpd/internal/delivery"
	"github.com/mailstacks/lmtpd/internal/endpoint/lmtp"
	"github.com/mailstacks/lmtpd/internal/indexer"
	"github.com/mailstacks/lmtpd/internal/listener"
	"github.com/mailstacks/lmtpd/internal/proxy_protocol"
	"github.com/mailstacks/lmtpd/internal/recipient"
	"github.com/mailstacks/lmtpd/internal/rowengine"
	"github.com/mailstacks/lmtpd/internal/searchfolder"
	"github.com/mailstacks/lmtpd/internal/store"
	"github.com/mailstacks/lmtpd/internal/store/memstore"
)

// shutdownGrace is how long shutdown waits for sessions and the search
// engine to wind down before exiting anyway.
const shutdownGrace = 30 * time.Second

type daemonConfig struct {
	hostname   string
	listenAddr []string
	maxThreads int
	bindDevice string
	tempDir    string

	ldapURLs   []string
	ldapBaseDN string
	ldapFilter string

	indexerSocket string
	serverGUID    string

	dbDriver string
	dbDSN    string

	forwardWhitelist []string
	noDoubleForward  bool
	spamHeader       string
	spamHeaderValue  string

	archiveOnDelivery bool
	archiveStore      *archive.Store

	proxyProto *proxy_protocol.ProxyProtocol

	// homeServers maps remote home-server names to their LMTP URLs; a
	// name absent from the map is served by this process.
	homeServers map[string]string
	relayUser   string
	relayPass   string

	autoAcceptScript    string
	autoProcessScript   string
	autoResponderScript string
	autoAcceptConfig    string
}

func readConfig(path string) (*daemonConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nodes, err := config.Read(f, path)
	if err != nil {
		return nil, err
	}

	dc := &daemonConfig{}
	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("hostname", false, true, "", &dc.hostname)
	m.StringList("lmtp_listen", false, false, []string{"lmtp://127.0.0.1:24"}, &dc.listenAddr)
	m.Int("lmtp_max_threads", false, false, listener.DefaultMaxSessions, &dc.maxThreads)
	m.String("bind_device", false, false, "", &dc.bindDevice)
	var serverBind string
	var lmtpPort int
	m.String("server_bind", false, false, "", &serverBind)
	m.Int("lmtp_port", false, false, 0, &lmtpPort)
	m.Callback("proxy_protocol", func(m2 *config.Map, node config.Node) error {
		v, err := proxy_protocol.ProxyProtocolDirective(m2, node)
		if err != nil {
			return err
		}
		dc.proxyProto = v.(*proxy_protocol.ProxyProtocol)
		return nil
	})
	m.String("temp_dir", false, false, os.TempDir(), &dc.tempDir)

	m.StringList("ldap_uri", false, true, nil, &dc.ldapURLs)
	m.String("ldap_search_base", false, true, "", &dc.ldapBaseDN)
	m.String("ldap_filter", false, false, "(|(mail={smtp})(otherMailbox={smtp}))", &dc.ldapFilter)

	m.String("indexer_socket", false, false, "", &dc.indexerSocket)
	m.String("server_guid", false, false, "", &dc.serverGUID)

	m.String("db_driver", false, false, "sqlite3", &dc.dbDriver)
	m.String("db_dsn", false, true, "", &dc.dbDSN)

	m.StringList("forward_whitelist_domains", false, false, []string{"*"}, &dc.forwardWhitelist)
	m.Bool("no_double_forward", false, true, &dc.noDoubleForward)
	m.String("spam_header", false, false, "", &dc.spamHeader)
	m.String("spam_header_value", false, false, "", &dc.spamHeaderValue)

	m.Bool("archive_on_delivery", false, false, &dc.archiveOnDelivery)
	m.Callback("archive", func(_ *config.Map, node config.Node) error {
		st := archive.New("archive")
		if err := st.Init(config.NewMap(nil, node)); err != nil {
			return err
		}
		dc.archiveStore = st
		return nil
	})

	m.String("autoaccept_script", false, false, "", &dc.autoAcceptScript)
	m.String("autoprocess_script", false, false, "", &dc.autoProcessScript)
	m.String("autoresponder", false, false, "", &dc.autoResponderScript)
	m.String("autoaccept_config", false, false, "", &dc.autoAcceptConfig)

	dc.homeServers = map[string]string{}
	m.Callback("home_server", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 2 {
			return config.NodeErr(node, "expected <name> <url>")
		}
		dc.homeServers[node.Args[0]] = node.Args[1]
		return nil
	})
	m.String("relay_user", false, false, "", &dc.relayUser)
	m.String("relay_pass", false, false, "", &dc.relayPass)

	if _, err := m.Process(); err != nil {
		return nil, err
	}
	if dc.archiveOnDelivery && dc.archiveStore == nil {
		return nil, fmt.Errorf("archive_on_delivery requires an archive block")
	}
	if serverBind != "" && lmtpPort != 0 {
		dc.listenAddr = append(dc.listenAddr, fmt.Sprintf("lmtp://%s:%d", serverBind, lmtpPort))
	}
	return dc, nil
}

// sqlRowSource adapts the row engine to the search engine's uint32 object
// id domain (object ids encoded as 4-byte big-endian keys).
type sqlRowSource struct {
	eng *rowengine.Engine
}

func objKey(obj uint32) store.ObjectID {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, obj)
	return buf
}

func (s *sqlRowSource) GetProps(ctx context.Context, st store.StoreID, folder uint32, objs []uint32, tags []store.PropTag) (map[uint32]map[store.PropTag]store.Value, error) {
	ids := make([]store.ObjectID, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, objKey(o))
	}
	rows, err := s.eng.FetchRows(ctx, objKey(folder), ids, tags)
	if err != nil {
		return nil, err
	}
	out := map[uint32]map[store.PropTag]store.Value{}
	for _, row := range rows {
		out[binary.BigEndian.Uint32(row.Obj)] = row.Values
	}
	return out, nil
}

func (s *sqlRowSource) Invalidate(st store.StoreID, folder uint32) {
	s.eng.Invalidate(objKey(folder))
}

func run() int {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "/etc/lmtpd/lmtpd.conf", "path to the configuration file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	log.DefaultLogger.Debug = debug
	lg := log.DefaultLogger

	dc, err := readConfig(configPath)
	if err != nil {
		lg.Error("cannot read configuration", err)
		return 2
	}

	db, err := sql.Open(dc.dbDriver, dc.dbDSN)
	if err != nil {
		lg.Error("cannot open database", err)
		return 2
	}
	defer db.Close()

	sfBackend := &searchfolder.SQLBackend{DB: db, Driver: dc.dbDriver}
	if err := sfBackend.InitSchema(context.Background()); err != nil {
		lg.Error("cannot initialize search folder schema", err)
		return 2
	}
	rowBackend := &rowengine.SQLBackend{DB: db, Driver: dc.dbDriver}
	if err := rowBackend.InitSchema(context.Background()); err != nil {
		lg.Error("cannot initialize row engine schema", err)
		return 2
	}

	var idx searchfolder.Indexer
	if dc.indexerSocket != "" {
		idx = indexer.New(dc.indexerSocket, 30*time.Second)
	}

	engine := searchfolder.New(searchfolder.Config{
		Log:        log.Logger{Name: "searchfolder", Out: lg.Out, Debug: debug},
		Backend:    sfBackend,
		Rows:       &sqlRowSource{eng: rowengine.New(rowBackend)},
		Indexer:    idx,
		ServerGUID: dc.serverGUID,
	})
	defer engine.Stop()
	if err := engine.Resume(context.Background()); err != nil {
		lg.Error("cannot resume persisted search folders", err)
	}

	dir := recipient.NewDirectory(
		log.Logger{Name: "recipient", Out: lg.Out, Debug: debug},
		dc.ldapURLs, dc.ldapBaseDN, dc.ldapFilter)

	// Local mailboxes are modelled by the in-process reference store; a
	// deployment with real storage nodes swaps the dialer for one opening
	// sessions against them (the relay handles remote home-servers).
	provider := memstore.NewProvider()
	dial := func(ctx context.Context, company, homeServer string) (store.Session, error) {
		return lazySession{p: provider}, nil
	}

	orch := &delivery.Orchestrator{
		Log: log.Logger{Name: "delivery", Out: lg.Out, Debug: debug},
		Cfg: delivery.Config{
			ArchiveOnDelivery:       dc.archiveOnDelivery,
			NewmailNotify:           true,
			SpamHeaderName:          dc.spamHeader,
			SpamHeaderValuePrefix:   dc.spamHeaderValue,
			ForwardWhitelistDomains: dc.forwardWhitelist,
			NoDoubleForward:         dc.noDoubleForward,
			AutoAcceptConfigPath:    dc.autoAcceptConfig,
			TempDir:                 dc.tempDir,
		},
		Dial:    dial,
		Convert: delivery.MessageConverter{},
		AutoReply: autoreply.Config{
			Log:                 log.Logger{Name: "autoreply", Out: lg.Out, Debug: debug},
			AutoAcceptScript:    dc.autoAcceptScript,
			AutoProcessScript:   dc.autoProcessScript,
			AutoResponderScript: dc.autoResponderScript,
		},
	}
	if dc.archiveStore != nil {
		orch.Archive = dc.archiveStore
	}
	if len(dc.homeServers) > 0 {
		orch.Relay = &delivery.Relay{
			Log:      log.Logger{Name: "relay", Out: lg.Out, Debug: debug},
			Hostname: dc.hostname,
			Username: dc.relayUser,
			Password: dc.relayPass,
		}
		orch.ResolveServer = func(company, homeServer string) (string, bool) {
			url, ok := dc.homeServers[homeServer]
			return url, ok
		}
	}

	backend := &lmtp.Backend{
		Log:       log.Logger{Name: "lmtp", Out: lg.Out, Debug: debug},
		Dir:       dir,
		Deliverer: orch,
		TempDir:   dc.tempDir,
		Hostname:  dc.hostname,
	}

	endp := listener.New(listener.Config{
		Log:         log.Logger{Name: "listener", Out: lg.Out, Debug: debug},
		Backend:     backend,
		Hostname:    dc.hostname,
		MaxSessions: dc.maxThreads,
		Device:      dc.bindDevice,
		Proxy:       dc.proxyProto,
		ReadTimeout: time.Minute,
	})
	if err := endp.Listen(dc.listenAddr); err != nil {
		lg.Error("cannot bind listeners", err)
		return 2
	}

	lg.Printf("lmtpd started, listening on %v", dc.listenAddr)
	handleSignals(lg, configPath)

	lg.Printf("shutting down")
	done := make(chan struct{})
	go func() {
		endp.Close()
		engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		lg.Printf("shutdown grace period expired, exiting anyway")
	}
	return 0
}

// handleSignals blocks until a termination signal arrives. SIGHUP reopens
// logs (and is the hook point for config reload); a second termination
// signal forces immediate exit.
func handleSignals(lg log.Logger, configPath string) {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		switch s := <-sig; s {
		case syscall.SIGHUP:
			lg.Printf("signal received (%s), reopening logs", s)
			hooks.RunHooks(hooks.EventLogRotate)
		default:
			go func() {
				<-sig
				lg.Printf("forced shutdown due to repeated signal")
				os.Exit(1)
			}()
			lg.Printf("signal received (%v), next signal will force immediate shutdown", s)
			return
		}
	}
}

// lazySession opens reference stores on first use, so a mailbox exists for
// every resolved recipient without explicit provisioning.
type lazySession struct {
	p *memstore.Provider
}

func (s lazySession) OpenStore(ctx context.Context, id store.StoreID) (store.Store, error) {
	return s.p.AddStore(id), nil
}

func (s lazySession) Logoff() error { return nil }

func main() {
	os.Exit(run())
}

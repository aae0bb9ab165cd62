// Command quicforge-demo wires one instance of every builder collaborator
// and runs a handful of flush cycles against a loopback datapath: there
// is no peer, no handshake, and no stream multiplexer here, only enough
// glue to prove the core assembles and dispatches real datagrams end to
// end.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net/netip"

	"github.com/vela-net/quicforge/builder"
	"github.com/vela-net/quicforge/config"
	"github.com/vela-net/quicforge/congestion"
	"github.com/vela-net/quicforge/datapath"
	"github.com/vela-net/quicforge/internal/gtlegacy"
	"github.com/vela-net/quicforge/lossdetect"
	"github.com/vela-net/quicforge/netutil"
	"github.com/vela-net/quicforge/qtls"
	"github.com/vela-net/quicforge/wire"
)

// echoFramer writes a single synthetic filler frame, enough to make
// every flush retransmittable without pulling in a real stream
// multiplexer (out of scope for this demo, same as the framing layer's
// non-goal).
type echoFramer struct {
	payload []byte
}

func (f *echoFramer) WriteFrames(pktType wire.PacketType, key builder.KeyMaterial, buf []byte) (int, int, bool, bool, error) {
	n := copy(buf, f.payload)
	return n, 1, true, pktType != wire.ShortHeader, nil
}

// logConnControl reports fatal errors and local closes to the standard
// logger rather than tearing down a connection state machine that, in
// this demo, doesn't exist.
type logConnControl struct{}

func (logConnControl) FatalError(status error, reason string) {
	log.Printf("connection: fatal error: %v (%s)", status, reason)
}

func (logConnControl) CloseLocally(silent bool, code uint64, reason string) {
	log.Printf("connection: closed locally (silent=%v code=%d reason=%q)", silent, code, reason)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("read random bytes: %v", err)
	}
	return b
}

func main() {
	port := flag.Uint("port", 0, "local UDP port to bind (0 = ephemeral)")
	remote := flag.String("remote", "127.0.0.1:9443", "remote address to address flushed datagrams to")
	flushes := flag.Int("flushes", 5, "number of flush cycles to run")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	remoteAddr, err := netip.ParseAddrPort(*remote)
	if err != nil {
		log.Fatalf("parse remote address %q: %v", *remote, err)
	}

	binding, actualPort, err := datapath.NewBinding(uint16(*port))
	if err != nil {
		log.Fatalf("open datapath binding: %v", err)
	}
	defer binding.Close()
	log.Printf("bound local UDP port %d", actualPort)

	var secret [32]byte
	copy(secret[:], randomBytes(32))
	secrets := qtls.NewSecrets(secret)
	keys := qtls.NewKeyTable(secrets)
	for _, level := range []wire.EncryptLevel{wire.EncryptLevelInitial, wire.EncryptLevelHandshake, wire.EncryptLevelOneRTT} {
		km, err := secrets.Derive(level, 0)
		if err != nil {
			log.Fatalf("derive key for level %v: %v", level, err)
		}
		keys.Install(level, km)
	}
	keys.SetWriteLevel(wire.EncryptLevelOneRTT)

	cong := congestion.New(uint64(cfg.MTU), 0)
	loss := lossdetect.New()
	lossAdapter := lossdetect.NewBuilderAdapter(loss)
	conn := logConnControl{}
	framer := &echoFramer{payload: []byte("quicforge demo payload")}

	b := builder.New(conn, binding, keys, lossAdapter, cong, framer, int(cfg.MaxDatagramsPerSend))
	b.SetMaxBytesPerKey(cfg.MaxBytesPerKey)
	b.SetHandshakeConfirmed(true)

	srcCID := randomBytes(int(cfg.ConnectionIDLength))
	destCID := randomBytes(int(cfg.ConnectionIDLength))
	binding.Register(destCID, b)

	path := &builder.Path{
		MTU:           uint16(cfg.MTU),
		Allowance:     1 << 20,
		RemoteAddr:    remoteAddr,
		RemoteFamily:  netutil.ClassifyFamily(remoteAddr.Addr()),
		Binding:       binding,
		GreaseVersion: gtlegacy.GreaseVersion(0),
	}

	// Each loop iteration is its own flush cycle; the scheduler decides
	// only the ORDER they run in, not whether they run, so every
	// enqueued request ends up drained exactly once.
	scheduler := gtlegacy.NewFlushScheduler()
	for i := 0; i < *flushes; i++ {
		priority := gtlegacy.PriorityNormal
		if i == 0 {
			priority = gtlegacy.PriorityUrgent // first flush carries the handshake
		}
		if !scheduler.Enqueue(b, priority) {
			log.Printf("flush %d: scheduler queue full, dropping", i)
		}
	}

	for i, flushBuilder := range scheduler.Drain() {
		if err := runFlush(flushBuilder, path, keys, srcCID, destCID, i == 0); err != nil {
			log.Fatalf("flush %d: %v", i, err)
		}
	}

	urgent, normal, bulk, dropped := scheduler.Stats()
	fmt.Printf("flushes scheduled: urgent=%d normal=%d bulk=%d dropped=%d\n", urgent, normal, bulk, dropped)
	fmt.Printf("congestion window estimate: %.0f bytes/sec, window=%d bytes\n", cong.Estimate(), cong.Window())
	fmt.Printf("smoothed RTT: %s\n", loss.SmoothedRTT())

	sent, bytes := binding.Stats()
	fmt.Printf("datapath: %d datagrams, %d bytes dispatched\n", sent, bytes)
}

// runFlush drives one flush cycle over b: an Initial packet on the
// first call only (carrying the synthetic handshake payload), followed
// on every call, the first included, by a 1-RTT short-header packet, all
// on the same path.
func runFlush(b *builder.Builder, path *builder.Path, keys *qtls.KeyTable, srcCID, destCID []byte, isFirst bool) error {
	if err := b.Initialize(path, srcCID, destCID, true); err != nil {
		return err
	}

	if isFirst {
		key, ok := keys.WriteKey(wire.EncryptLevelInitial)
		if !ok {
			return fmt.Errorf("demo: no Initial key installed")
		}
		ok2, err := b.Prepare(wire.Initial, key, false, false)
		if err != nil {
			return err
		}
		if ok2 {
			if err := b.WriteFrames(); err != nil {
				return err
			}
		}
	}

	key, ok := keys.WriteKey(wire.EncryptLevelOneRTT)
	if !ok {
		return fmt.Errorf("demo: no 1-RTT key installed")
	}
	ok, err := b.Prepare(wire.ShortHeader, key, false, false)
	if err != nil {
		return err
	}
	if ok {
		if err := b.WriteFrames(); err != nil {
			return err
		}
	}

	if err := b.Finalize(true); err != nil {
		return err
	}
	return b.Cleanup()
}

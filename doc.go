// Package callmgr implements call control for real-time audio/video calls:
// call identity, ringing, glare arbitration, multi-device ring fan-out, and
// the offer/answer/ICE/hangup/busy signaling lifecycle.
//
// The package is transport- and media-agnostic. The application owns the
// signaling transport and reports delivery results back; a media engine
// collaborator owns ICE, DTLS/SRTP, and codecs and reports its completions
// back. The core reduces all of it to a serialized state machine with
// exactly-once effects under concurrent, unordered, and duplicated delivery.
//
// # Getting Started
//
// Create a Runtime, a Config for your peer identity type, and a Manager
// wired to your Observer and MediaEngine implementations:
//
//	rt := callmgr.NewRuntime(callmgr.RuntimeOptions{})
//	if err := rt.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Shutdown()
//
//	cfg := callmgr.DefaultConfig[string]()
//	cfg.PeerKey = func(p string) string { return p }
//
//	mgr, err := callmgr.NewManager[string, MyCallContext](rt, cfg, observer, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := mgr.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
//
//	callID, err := mgr.PlaceCall("+15550100", myContext, callmgr.CallMediaTypeAudio, 1)
//
// All public operations are marshaled onto a single signaling goroutine, so
// they are safe to call from any thread, including while the referenced call
// is being torn down concurrently (such races are no-ops, never crashes).
// Observer callbacks are delivered from a dedicated notify goroutine; a
// panicking callback is recovered at the dispatch boundary and reported to
// the Runtime's fault sink rather than unwinding through call state.
package callmgr

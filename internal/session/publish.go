package session

// Subscribe registers fn to receive every published [Snapshot]. fn runs on
// the publishing goroutine and must not block or call back into mutating
// methods. The returned function unregisters fn.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.subsMu.Unlock()
	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

// Snapshot returns the current observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// State returns the connection state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		Seq:                o.seq,
		State:              o.state,
		View:               o.view,
		Emotion:            o.acc.Emotion(),
		History:            o.acc.History(),
		Input:              o.acc.Input(),
		Output:             o.acc.Output(),
		ModelTalking:       o.modelTalking,
		Muted:              o.muted.Load(),
		VoiceOutput:        o.voiceOutput.Load(),
		VideoEnabled:       o.videoEnabled,
		Paused:             o.paused,
		InputLevel:         o.level,
		DiagnosticsOffered: o.diagOffered,
		MicrophoneID:       o.selection.MicrophoneID,
		CameraID:           o.selection.CameraID,
		AvatarID:           o.selection.AvatarID,
		CustomAvatarURL:    o.selection.CustomAvatarURL,
		Voice:              o.voice,
		Greeting:           Greeting(o.now()),
	}
	if o.lastMediaError != nil {
		rep := *o.lastMediaError
		rep.Troubleshooting = append([]string(nil), rep.Troubleshooting...)
		s.LastMediaError = &rep
	}
	return s
}

// publish delivers a fresh snapshot to every subscriber.
func (o *Orchestrator) publish() {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	o.seq++
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// ClearMediaError dismisses the last media error and the diagnostics offer.
func (o *Orchestrator) ClearMediaError() {
	o.mu.Lock()
	changed := o.lastMediaError != nil || o.diagOffered
	o.lastMediaError = nil
	o.diagOffered = false
	o.mu.Unlock()
	if changed {
		o.publish()
	}
}

package callmgr

// sync returns once every input queued before it has been processed.
func (m *Manager) sync() {
	done := make(chan struct{})
	m.enqueue(input{kind: inBarrier, done: done})
	<-done
}

// waitIdle blocks until every submitted command has finished.
func (m *Manager) waitIdle() {
	m.btCmds.wait()
	m.bridgeCmds.wait()
	m.ringCmds.wait()
}

func (d *dispatcher) wait() {
	d.pending.Wait()
}

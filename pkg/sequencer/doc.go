// Package sequencer walks an assembly graph's step order, dispatching one
// step at a time, retrying failures and escalating to a human operator when
// a step exhausts its retries.
//
// A Sequencer runs a single graph once:
//
//	idle -> running -> (teaching <-> running) -> complete | error
//
// Start launches the run in a background goroutine and returns immediately.
// Progress is observed through Snapshot, a Listener or Done. While the run is
// in the teaching phase it waits for CompleteHumanStep.
package sequencer

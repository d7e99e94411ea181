// Package harness replays boot scenarios against a binary manager running on
// the simulated board.
//
// A scenario names a storage manifest, optional configuration overrides and
// injected failures, a list of steps and a list of assertions. The harness
// scans the manifest, executes the steps in order, waits for every queued
// loading command and then evaluates the assertions against the recorded
// trace and the final binary table.
//
// # Scenario Format
//
//	name: camera_update
//	description: "Updating a running binary notifies its subscribers"
//	manifest: ../manifests/board.yaml
//	boot_id: boot-camera
//	config:
//	  load_attempts: 2
//	simulation:
//	  load_failures: { camera: 1 }
//	steps:
//	  - op: load_all
//	  - op: subscribe
//	    binary: camera
//	    pid: 500
//	  - op: update
//	    binary: camera
//	  - op: fault
//	    pid: 999
//	    expect: { action: reboot }
//	assertions:
//	  - type: final_state
//	    binary: camera
//	    expect: { state: RUNNING, bin_id: 103 }
//	  - type: trace_order
//	    events: ["camera RUNNING->WAITUNLOAD", "camera WAITUNLOAD->INACTIVE"]
//
// # Steps
//
//   - register: registers an extra user binary (binary, size)
//   - load, update, unload: runs the command for binary and waits for it
//   - load_all: loads every INACTIVE binary
//   - subscribe: subscribes pid to state changes of binary
//   - unsubscribe: drops every subscription of pid
//   - task_created: attaches pid to the binary owning parent, or to binary
//   - task_exited: detaches pid
//   - fault: reports a fault for pid, or for the entry task of binary
//   - silence: stops pid from acknowledging notifications
//   - settle: waits for queued loading commands
//
// A step without expect must succeed. expect.error names the error code the
// step must fail with; expect.action names the recovery action of a fault.
//
// # Trace
//
// The trace is one line per event: the scan summary, accepted transitions,
// delivered notifications, loading outcomes, board resets and handled
// faults. A fault step waits for the reload it schedules, so its recovery
// line follows the reload transitions. Sequence numbers come from a
// deterministic clock and entry task ids from the simulated loader, so the
// trace of a scenario is stable and compared against a golden file.
//
// # Assertion Types
//
//   - trace_contains: some trace line contains event
//   - trace_order: lines containing events appear in that order
//   - trace_count: exactly count lines contain event
//   - final_state: fields of binary in the final table match expect
//   - reboots: the board was reset exactly count times
//   - inbox: pid received notifications for exactly states, in order
package harness

// Package sim provides in-process stand-ins for the collaborators the binary
// manager drives: the binary loader, the task scheduler, the state message
// transport and the board reset line.
//
// They back the `binmgr run` command, the scenario harness and the package
// tests. Each one records what it was asked to do and can be told to fail.
package sim

package model

import "testing"

func TestIsTaskTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskWaiting, false},
		{TaskRunning, false},
		{TaskComplete, true},
		{TaskCanceled, true},
		{TaskBroken, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTaskTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTaskTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct {
		from, to TaskStatus
	}{
		{TaskWaiting, TaskRunning},
		{TaskWaiting, TaskCanceled},
		{TaskRunning, TaskComplete},
		{TaskRunning, TaskCanceled},
	}
	for _, tt := range valid {
		if err := ValidateTaskTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s → %s: unexpected error: %v", tt.from, tt.to, err)
		}
	}

	invalid := []struct {
		from, to TaskStatus
	}{
		{TaskWaiting, TaskComplete},
		{TaskRunning, TaskWaiting},
		{TaskWaiting, TaskBroken},
		{TaskComplete, TaskRunning},
		{TaskCanceled, TaskWaiting},
		{TaskCanceled, TaskCanceled},
		{TaskStatus("bogus"), TaskRunning},
	}
	for _, tt := range invalid {
		if err := ValidateTaskTransition(tt.from, tt.to); err == nil {
			t.Errorf("%s → %s: expected error", tt.from, tt.to)
		}
	}
}

func TestValidateAbortTransition(t *testing.T) {
	if err := ValidateAbortTransition(AbortWaiting, AbortStarted); err != nil {
		t.Errorf("waiting → started: %v", err)
	}
	if err := ValidateAbortTransition(AbortStarted, AbortComplete); err != nil {
		t.Errorf("started → complete: %v", err)
	}
	if err := ValidateAbortTransition(AbortWaiting, AbortComplete); err == nil {
		t.Error("waiting → complete should be rejected")
	}
	if err := ValidateAbortTransition(AbortComplete, AbortWaiting); err == nil {
		t.Error("complete → waiting should be rejected")
	}
}

func TestParseTaskStatus(t *testing.T) {
	for _, s := range []string{"waiting", "running", "complete", "canceled", "broken"} {
		if _, err := ParseTaskStatus(s); err != nil {
			t.Errorf("ParseTaskStatus(%q): %v", s, err)
		}
	}
	if _, err := ParseTaskStatus("done"); err == nil {
		t.Error("ParseTaskStatus(done) should fail")
	}
}

func TestAbortStatusIsOpen(t *testing.T) {
	if !AbortWaiting.IsOpen() || !AbortStarted.IsOpen() {
		t.Error("waiting and started must be open")
	}
	if AbortComplete.IsOpen() {
		t.Error("complete must not be open")
	}
}

func TestParseDaemonKind(t *testing.T) {
	for _, s := range []string{"task", "abort"} {
		k, err := ParseDaemonKind(s)
		if err != nil || string(k) != s {
			t.Errorf("ParseDaemonKind(%q) = %q, %v", s, k, err)
		}
	}
	if _, err := ParseDaemonKind("both"); err == nil {
		t.Error("ParseDaemonKind(both) should fail")
	}
}

func TestSupervisorStateDaemonRefs(t *testing.T) {
	var st SupervisorState
	st.SetDaemon(DaemonTask, DaemonRef{PID: 10, Token: "a"})
	st.SetDaemon(DaemonAbort, DaemonRef{PID: 20, Token: "b"})

	if got := st.Daemon(DaemonTask).PID; got != 10 {
		t.Errorf("task pid = %d, want 10", got)
	}
	if got := st.Daemon(DaemonAbort).PID; got != 20 {
		t.Errorf("abort pid = %d, want 20", got)
	}
	if AckVariable(DaemonAbort) != "daemon.abort" {
		t.Errorf("AckVariable(abort) = %q", AckVariable(DaemonAbort))
	}
}

package gwlog

import "testing"

func TestDebugEnabled(t *testing.T) {
	t.Setenv("DEBUG", "")
	if debugEnabled() {
		t.Fatalf("expected debug disabled by default")
	}
	t.Setenv("DEBUG", "true")
	if !debugEnabled() {
		t.Fatalf("expected debug enabled when DEBUG=true")
	}
	t.Setenv("DEBUG", "1")
	if !debugEnabled() {
		t.Fatalf("expected debug enabled when DEBUG=1")
	}
}

func TestLogFunctionsDoNotPanic(t *testing.T) {
	Initialize()
	Debug("debug msg")
	Debugf("debug %s", "formatted")
	Debugw("debug kv", "key", "val")
	Info("info msg")
	Infof("info %s", "formatted")
	Infow("info kv", "key", "val")
	Warn("warn msg")
	Warnf("warn %s", "formatted")
	Warnw("warn kv", "key", "val")
	Error("error msg")
	Errorf("error %s", "formatted")
	Errorw("error kv", "key", "val")
}

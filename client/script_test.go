package client

import (
	"context"
	"sync"
	"testing"

	"github.com/code-100-precent/LingClient/protocol"
)

// memoryScriptStore 内存脚本仓库
type memoryScriptStore struct {
	mu      sync.Mutex
	sources map[string][]byte
}

func newMemoryScriptStore() *memoryScriptStore {
	return &memoryScriptStore{sources: make(map[string][]byte)}
}

func (s *memoryScriptStore) Get(hash string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[hash]
}

func (s *memoryScriptStore) Remove(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, hash)
}

// TestScriptRefCounting 测试引用计数与外部仓库联动
func TestScriptRefCounting(t *testing.T) {
	store := newMemoryScriptStore()
	store.sources["digest1"] = []byte("return 1")

	scripts := NewScriptManager(store)

	scripts.AddScript("digest1")
	scripts.AddScript("digest1")
	if !scripts.IsKnown("digest1") {
		t.Fatal("Script should be known after add")
	}

	scripts.DropScript("digest1")
	if !scripts.IsKnown("digest1") {
		t.Fatal("Script should survive one drop of two")
	}
	if store.Get("digest1") == nil {
		t.Fatal("Store entry must survive while references remain")
	}

	// 归零：本地计数和外部仓库条目一起消失
	scripts.DropScript("digest1")
	if scripts.IsKnown("digest1") {
		t.Fatal("Script should be gone after last drop")
	}
	if store.Get("digest1") != nil {
		t.Fatal("Store entry must be removed at zero references")
	}
}

// TestInvokeScriptUnknownDigest 测试计数为零直接 NoScript
func TestInvokeScriptUnknownDigest(t *testing.T) {
	conn := &fakeConn{handler: okHandler}
	m := newTestManager(t, fullCoverage("a:6379"), map[string]*fakeConn{"a:6379": conn})

	scripts := NewScriptManager(newMemoryScriptStore())
	_, err := m.InvokeScript(context.Background(), scripts, "missing", nil, nil, nil)
	if protocol.KindOf(err) != protocol.KindNoScript {
		t.Fatalf("Expected NoScript, got %v", err)
	}
	if len(conn.sentNames()) != 0 {
		t.Fatal("No request may be issued for an unknown digest")
	}
}

// TestInvokeScriptEvalSha 测试正常执行 EVALSHA
func TestInvokeScriptEvalSha(t *testing.T) {
	conn := &fakeConn{handler: func(cmd *protocol.Cmd) (*protocol.Value, error) {
		if cmd.Name() == "EVALSHA" {
			return protocol.NewInteger(1), nil
		}
		return protocol.NewSimpleString("OK"), nil
	}}
	m := newTestManager(t, fullCoverage("a:6379"), map[string]*fakeConn{"a:6379": conn})

	store := newMemoryScriptStore()
	store.sources["digest1"] = []byte("return 1")
	scripts := NewScriptManager(store)
	scripts.AddScript("digest1")

	resp, err := m.InvokeScript(context.Background(), scripts, "digest1",
		[][]byte{[]byte("key1")}, [][]byte{[]byte("arg1")}, nil)
	if err != nil || resp.ToInt() != 1 {
		t.Fatalf("InvokeScript failed: %v (err=%v)", resp, err)
	}

	// EVALSHA digest numkeys key arg
	sent := conn.sent[0]
	if sent.Name() != "EVALSHA" || string(sent.ArgAt(2)) != "1" || string(sent.ArgAt(3)) != "key1" {
		t.Fatalf("EVALSHA frame mismatch: %v", sent)
	}
}

// TestInvokeScriptNoScriptFallback 测试服务端 NOSCRIPT 触发装载重试
func TestInvokeScriptNoScriptFallback(t *testing.T) {
	evalCalls := 0
	loaded := false
	conn := &fakeConn{handler: func(cmd *protocol.Cmd) (*protocol.Value, error) {
		switch cmd.Name() {
		case "EVALSHA":
			evalCalls++
			if !loaded {
				return protocol.NewError("NOSCRIPT No matching script"), nil
			}
			return protocol.NewInteger(7), nil
		case "SCRIPT":
			loaded = true
			return protocol.NewBulkString("digest1"), nil
		}
		return protocol.NewSimpleString("OK"), nil
	}}
	m := newTestManager(t, fullCoverage("a:6379"), map[string]*fakeConn{"a:6379": conn})

	store := newMemoryScriptStore()
	store.sources["digest1"] = []byte("return 7")
	scripts := NewScriptManager(store)
	scripts.AddScript("digest1")

	resp, err := m.InvokeScript(context.Background(), scripts, "digest1",
		[][]byte{[]byte("key1")}, nil, nil)
	if err != nil || resp.ToInt() != 7 {
		t.Fatalf("Fallback failed: %v (err=%v)", resp, err)
	}
	if evalCalls != 2 || !loaded {
		t.Fatalf("Expected load-and-retry, eval=%d loaded=%v", evalCalls, loaded)
	}
}

// TestInvokeScriptNoStoreConfigured 测试未配置仓库时 NOSCRIPT 不恐慌
func TestInvokeScriptNoStoreConfigured(t *testing.T) {
	conn := &fakeConn{handler: func(cmd *protocol.Cmd) (*protocol.Value, error) {
		return protocol.NewError("NOSCRIPT No matching script"), nil
	}}
	m := newTestManager(t, fullCoverage("a:6379"), map[string]*fakeConn{"a:6379": conn})

	// 没有外部仓库的脚本管理器
	scripts := NewScriptManager(nil)
	scripts.AddScript("digest1")

	_, err := m.InvokeScript(context.Background(), scripts, "digest1",
		[][]byte{[]byte("key1")}, nil, nil)
	if protocol.KindOf(err) != protocol.KindNoScript {
		t.Fatalf("Expected NoScript without a store, got %v", err)
	}
}

// TestInvokeScriptMissingSource 测试仓库缺源时的失败
func TestInvokeScriptMissingSource(t *testing.T) {
	conn := &fakeConn{handler: func(cmd *protocol.Cmd) (*protocol.Value, error) {
		return protocol.NewError("NOSCRIPT No matching script"), nil
	}}
	m := newTestManager(t, fullCoverage("a:6379"), map[string]*fakeConn{"a:6379": conn})

	scripts := NewScriptManager(newMemoryScriptStore())
	scripts.AddScript("digest1")

	_, err := m.InvokeScript(context.Background(), scripts, "digest1",
		[][]byte{[]byte("key1")}, nil, nil)
	if protocol.KindOf(err) != protocol.KindNoScript {
		t.Fatalf("Expected NoScript for a missing source, got %v", err)
	}
}

package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"Cerberus-Core/internal/capability"
	xerrors "Cerberus-Core/internal/errors"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestInvokeParsesStdout(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho '{\"label\":\"receipts\",\"confidence\":0.77,\"cost\":0.001}'\n")
	client, err := NewClient("", "sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := client.Invoke(context.Background(), capability.Request{Kind: capability.KindClassify, Payload: "receipt"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Label != "receipts" || res.Confidence != 0.77 || res.Cost != 0.001 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")
	client, _ := NewClient("py", "sh", script, "")
	_, err := client.Invoke(context.Background(), capability.Request{Kind: capability.KindSummarize})
	if !xerrors.IsCode(err, xerrors.CodeBackendError) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
}

func TestInvokeMissingInterpreter(t *testing.T) {
	client, _ := NewClient("py", "/nonexistent/python-cerberus", "script.py", "")
	_, err := client.Invoke(context.Background(), capability.Request{Kind: capability.KindSummarize})
	if !xerrors.IsCode(err, xerrors.CodeBackendUnavailable) {
		t.Fatalf("expected BACKEND_UNAVAILABLE, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != "/srv/bridge.py" {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("/srv", "/opt/bridge.py"); got != "/opt/bridge.py" {
		t.Fatalf("absolute path should be kept: %s", got)
	}
}

package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gitter-badger/zproc/internal/registry"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

// RunWorkerMain is the entrypoint a spawned worker process's main
// function delegates to: read one item from stdin, invoke the named
// task handler, write its JSON result to stdout. Exactly one item per
// process invocation, matching invokeWorker on the dispatching side.
func RunWorkerMain(ctx context.Context, reg *registry.Registry, handlerID string, stdin io.Reader, stdout io.Writer) error {
	fn, ok := reg.Task(handlerID)
	if !ok {
		return zerrors.Protocol("no such task handler: %s", handlerID)
	}

	line, err := bufio.NewReaderSize(stdin, 64*1024).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return zerrors.Transport("read item: %v", err)
	}
	var item json.RawMessage
	if err := json.Unmarshal(line, &item); err != nil {
		return zerrors.Protocol("decode item: %v", err)
	}

	commonArgs := json.RawMessage(os.Getenv(EnvCommonArgs))
	if len(commonArgs) == 0 {
		commonArgs = json.RawMessage("null")
	}

	result, err := fn(ctx, item, commonArgs)
	if err != nil {
		return zerrors.User(fmt.Sprintf("task handler %q failed: %v", handlerID, err), "")
	}

	out, err := json.Marshal(result)
	if err != nil {
		return zerrors.Protocol("encode result: %v", err)
	}
	out = append(out, '\n')
	_, err = stdout.Write(out)
	return err
}

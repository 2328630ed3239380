package finalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const judgeSystemPrompt = `You are a release auditor. You are given a JSON receipt recording how a
unit of work was validated: host-run validation commands with exit codes
and output, agent-reported evidence, and per-criterion verification
reports. Decide whether the evidence actually supports the claim that
every acceptance criterion was met.

Respond with your reasoning, then exactly one verdict marker:
<receipt-verdict status="valid">reason</receipt-verdict>
or
<receipt-verdict status="invalid">reason</receipt-verdict>`

func judgePrompt(rcpt any) string {
	raw, err := json.MarshalIndent(rcpt, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", rcpt))
	}
	return "Audit this receipt:\n\n```json\n" + string(raw) + "\n```"
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wellspend/afeguard/pkg/model"
	"github.com/wellspend/afeguard/pkg/notify"
)

// buildMessages renders one message per recipient for a fired alert.
func (e *Engine) buildMessages(rule model.AlertRule, env model.BudgetEnvelope, ev Evaluation) []notify.Message {
	subject := fmt.Sprintf("Budget alert: %s", env.DisplayName())
	if ev.Severity == model.SeverityCritical {
		subject = fmt.Sprintf("CRITICAL budget alert: %s", env.DisplayName())
	}

	html := fmt.Sprintf(
		`<h2>%s</h2>
<p>%s</p>
<table>
<tr><td>Rule</td><td>%s</td></tr>
<tr><td>AFE</td><td>%s</td></tr>
<tr><td>Budget</td><td>$%.2f</td></tr>
<tr><td>Spent</td><td>$%.2f</td></tr>
<tr><td>Remaining</td><td>$%.2f</td></tr>
<tr><td>Utilization</td><td>%.1f%%</td></tr>
</table>`,
		subject, ev.Message, rule.Name, env.Number,
		env.BudgetAmount, env.SpentAmount, ev.Remaining, ev.Utilization)

	msgs := make([]notify.Message, 0, len(rule.Recipients))
	for _, recipient := range rule.Recipients {
		msgs = append(msgs, notify.Message{
			From:    e.opts.FromAddress,
			To:      []string{recipient},
			Subject: subject,
			HTML:    html,
		})
	}
	return msgs
}

// dispatch fans the batch's messages out through a bounded worker set and
// waits for every send to finish before returning. No cross-batch overlap.
func (e *Engine) dispatch(ctx context.Context, jobs []notify.Message) (sent, failed int) {
	if len(jobs) == 0 {
		return 0, 0
	}

	sem := make(chan struct{}, e.opts.NotifyConcurrency)
	var wg sync.WaitGroup
	var sentN, failedN atomic.Int64

	for _, msg := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg notify.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := notify.SendWithRetry(ctx, e.sender, msg, e.opts.RetryPolicy, e.logger); err != nil {
				failedN.Add(1)
				return
			}
			sentN.Add(1)
		}(msg)
	}

	wg.Wait()
	return int(sentN.Load()), int(failedN.Load())
}

package streamhub

import (
	"bufio"
	"fmt"
	"io"
)

// WriteSSE drains a Subscription to w as Server-Sent Events, one
// "data: <json>\n\n" frame per batch, and a closing "data: finished\n\n"
// frame once the underlying channel closes. Returns ErrSubscriberLagged if
// the subscription was dropped for lagging.
func WriteSSE(w io.Writer, sub *Subscription, flush func()) error {
	bw := bufio.NewWriter(w)
	for msg := range sub.Messages() {
		if _, err := fmt.Fprintf(bw, "data: %s\n\n", msg); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	if err := sub.Err(); err != nil {
		return err
	}
	_, err := fmt.Fprint(bw, "data: finished\n\n")
	if err != nil {
		return err
	}
	return bw.Flush()
}

// Command probe measures inbound relay latency against a running server. It
// drives POST /v1/inbound with a gateway key and prints a latency summary,
// which makes it usable both as a smoke test and as a quick load probe.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

func main() {
	var (
		base      = flag.String("addr", "http://127.0.0.1:8080", "relaydesk base URL")
		key       = flag.String("key", "", "gateway API key (Bearer)")
		recipient = flag.String("recipient", "probe-recipient", "recipient id to send as")
		content   = flag.String("content", "probe ping", "message content")
		n         = flag.Int("n", 100, "total requests")
		c         = flag.Int("c", 4, "concurrent workers")
		timeout   = flag.Duration("timeout", 5*time.Second, "per-request timeout")
		health    = flag.Bool("healthz", false, "probe GET /healthz instead of the inbound path")
	)
	flag.Parse()

	if !*health && *key == "" {
		fmt.Fprintln(os.Stderr, "--key required for inbound probes (or use --healthz)")
		os.Exit(2)
	}

	client := &fasthttp.Client{
		Name:                "relaydesk-probe",
		MaxConnsPerHost:     *c * 2,
		ReadTimeout:         *timeout,
		WriteTimeout:        *timeout,
		MaxIdleConnDuration: time.Minute,
	}

	var (
		next     uint64
		mu       sync.Mutex
		lats     []time.Duration
		statuses = map[int]int{}
		errs     int
	)

	work := func() ([]time.Duration, map[int]int, int) {
		var wl []time.Duration
		ws := map[int]int{}
		we := 0
		for {
			i := atomic.AddUint64(&next, 1)
			if i > uint64(*n) {
				return wl, ws, we
			}
			req := fasthttp.AcquireRequest()
			resp := fasthttp.AcquireResponse()
			if *health {
				req.SetRequestURI(*base + "/healthz")
				req.Header.SetMethod(fasthttp.MethodGet)
			} else {
				req.SetRequestURI(*base + "/v1/inbound")
				req.Header.SetMethod(fasthttp.MethodPost)
				req.Header.SetContentType("application/json")
				req.Header.Set("Authorization", "Bearer "+*key)
				buf := bytebufferpool.Get()
				fmt.Fprintf(buf, `{"recipient_id":%q,"content":%q}`, *recipient, *content)
				req.SetBody(buf.B)
				bytebufferpool.Put(buf)
			}
			start := time.Now()
			err := client.DoTimeout(req, resp, *timeout)
			el := time.Since(start)
			if err != nil {
				we++
			} else {
				wl = append(wl, el)
				ws[resp.StatusCode()]++
			}
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *c; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wl, ws, we := work()
			mu.Lock()
			lats = append(lats, wl...)
			for k, v := range ws {
				statuses[k] += v
			}
			errs += we
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if len(lats) == 0 {
		fmt.Fprintf(os.Stderr, "no successful requests (%d transport errors)\n", errs)
		os.Exit(1)
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	pct := func(p float64) time.Duration {
		idx := int(float64(len(lats)-1) * p)
		return lats[idx]
	}

	fmt.Printf("requests: %d  errors: %d  elapsed: %s  rate: %.1f/s\n",
		*n, errs, elapsed.Round(time.Millisecond), float64(len(lats))/elapsed.Seconds())
	fmt.Printf("latency: p50=%s p90=%s p99=%s max=%s\n",
		pct(0.50).Round(time.Microsecond), pct(0.90).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond), lats[len(lats)-1].Round(time.Microsecond))
	fmt.Print("status:")
	for _, code := range sortedKeys(statuses) {
		fmt.Printf("  %d=%d", code, statuses[code])
	}
	fmt.Println()
}

func sortedKeys(m map[int]int) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	Retry    RetryPolicy
}

// RedisStore runs transactions with WATCH/MULTI/EXEC. Each transaction
// attempt uses its own connection so that WATCH state never leaks between
// attempts.
type RedisStore struct {
	cfg RedisStoreConfig
}

func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &RedisStore{cfg: cfg}
}

func (r *RedisStore) Update(ctx context.Context, op string, watch []string, fn func(tx *Tx) error) error {
	return runTxn(ctx, r, r.cfg.Retry, op, watch, fn)
}

func (r *RedisStore) Close() error { return nil }

func (r *RedisStore) name() string { return "redis" }

func (r *RedisStore) begin(ctx context.Context) (txnConn, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return &redisConn{conn: conn, rw: rw}, nil
}

type redisConn struct {
	conn    net.Conn
	rw      *bufio.ReadWriter
	watched bool
}

func (c *redisConn) do(parts ...string) (any, error) {
	if err := writeRESP(c.rw, parts...); err != nil {
		return nil, err
	}
	return readRESP(c.rw)
}

func (c *redisConn) get(_ context.Context, key string) ([]byte, bool, error) {
	if _, err := c.do("WATCH", key); err != nil {
		return nil, false, err
	}
	c.watched = true
	resp, err := c.do("GET", key)
	if err != nil {
		return nil, false, err
	}
	if resp == nil {
		return nil, false, nil
	}
	s, ok := resp.(string)
	if !ok {
		return nil, false, errors.New("unexpected redis payload type")
	}
	return []byte(s), true, nil
}

func (c *redisConn) keys(_ context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	cursor := "0"
	for {
		if err := writeRESP(c.rw, "SCAN", cursor, "MATCH", escapeGlob(prefix)+"*", "COUNT", "500"); err != nil {
			return nil, err
		}
		next, page, err := readScanReply(c.rw)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "0" {
			return out, nil
		}
		cursor = next
	}
}

func (c *redisConn) commit(_ context.Context, writes []write) error {
	if len(writes) == 0 {
		if c.watched {
			_, err := c.do("UNWATCH")
			return err
		}
		return nil
	}
	if _, err := c.do("MULTI"); err != nil {
		return err
	}
	for _, w := range writes {
		var parts []string
		switch {
		case w.delete:
			parts = []string{"DEL", w.key}
		case w.ttl > 0:
			parts = []string{"SET", w.key, string(w.value), "PX", strconv.FormatInt(max(w.ttl.Milliseconds(), 1), 10)}
		default:
			parts = []string{"SET", w.key, string(w.value)}
		}
		if _, err := c.do(parts...); err != nil {
			_, _ = c.do("DISCARD")
			return err
		}
	}
	resp, err := c.do("EXEC")
	if err != nil {
		return err
	}
	if resp == nil {
		return errConflict
	}
	return nil
}

func (c *redisConn) close() { _ = c.conn.Close() }

func (r *RedisStore) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if r.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", r.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if r.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(r.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readLine(rw *bufio.ReadWriter) (byte, string, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return 0, "", err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	return prefix, strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// readRESP reads one reply. Arrays are flattened to []string with nil
// elements as "", and a nil array or bulk string is returned as nil.
func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, line, err := readLine(rw)
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			switch s := v.(type) {
			case nil:
				arr = append(arr, "")
			case string:
				arr = append(arr, s)
			case []string:
				arr = append(arr, strings.Join(s, "\n"))
			default:
				return nil, errors.New("unexpected redis array element")
			}
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

// readScanReply reads the two element SCAN reply: a cursor and a page of
// keys.
func readScanReply(rw *bufio.ReadWriter) (string, []string, error) {
	prefix, line, err := readLine(rw)
	if err != nil {
		return "", nil, err
	}
	if prefix == '-' {
		return "", nil, fmt.Errorf("redis error: %s", line)
	}
	if prefix != '*' || line != "2" {
		return "", nil, fmt.Errorf("unexpected SCAN reply %q%s", prefix, line)
	}
	cursor, err := readRESP(rw)
	if err != nil {
		return "", nil, err
	}
	next, ok := cursor.(string)
	if !ok {
		return "", nil, errors.New("unexpected SCAN cursor type")
	}
	page, err := readRESP(rw)
	if err != nil {
		return "", nil, err
	}
	keys, err := toStringArray(page)
	if err != nil {
		return "", nil, err
	}
	return next, keys, nil
}

func toStringArray(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

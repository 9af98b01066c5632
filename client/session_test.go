package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/cutso/tornado-redisclient/client"
	"github.com/cutso/tornado-redisclient/protocol"
	"github.com/cutso/tornado-redisclient/transport"
)

// replyFrames holds every reply shape the session has to reassemble.
var replyFrames = []string{
	"+OK\r\n",
	"-ERR bad arg\r\n",
	":42\r\n",
	"$-1\r\n",
	"$3\r\nfoo\r\n",
	"$0\r\n\r\n",
	"$6\r\nfo\r\nob\r\n",
	"*-1\r\n",
	"*0\r\n",
	"*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n",
	"*4\r\n$3\r\nfoo\r\n$3\r\nbar\r\n$5\r\nhello\r\n:42\r\n",
	"*3\r\n$-1\r\n+QUEUED\r\n-ERR no\r\n",
	"*2\r\n*2\r\n:1\r\n$1\r\na\r\n*0\r\n",
	"*3\r\n*1\r\n*1\r\n:1\r\n*-1\r\n$2\r\nhi\r\n",
}

// expectDecoded checks a reassembled result against Decode of the same frame.
func expectDecoded(reply protocol.Reply, err error, frame string) {
	expectedReply, expectedErr := protocol.Decode([]byte(frame))

	if expectedReply == nil {
		ExpectWithOffset(1, reply).To(BeNil())
	} else {
		ExpectWithOffset(1, reply).To(Equal(expectedReply))
	}

	if expectedErr == nil {
		ExpectWithOffset(1, err).To(Succeed())
	} else {
		ExpectWithOffset(1, err).To(Equal(expectedErr))
	}
}

var _ = Describe("Session", func() {
	var (
		loop    *inlineLoop
		stream  *fakeStream
		session *client.Session
	)

	fetch := func(args ...interface{}) *client.Future {
		f, err := session.Fetch(protocol.MustCommand(args...))
		Expect(err).To(Succeed())
		return f
	}

	result := func(f *client.Future) (protocol.Reply, error) {
		Expect(f.Done()).To(BeClosed())
		return f.Result()
	}

	BeforeEach(func() {
		loop = &inlineLoop{}
		stream = &fakeStream{}

		log, err := zap.NewDevelopment()
		Expect(err).To(Succeed())

		session = client.New(loop, stream, client.Options{Log: log, PushBufferSize: 2})
	})

	Describe("Fetch()", func() {
		It("writes the encoded command", func() {
			fetch("SET", "foo", "bar")
			Expect(stream.written.String()).To(Equal("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
		})

		It("does not resolve until the reply arrives", func() {
			f := fetch("GET", "foo")
			Expect(f.Done()).NotTo(BeClosed())

			_, err := f.Result()
			Expect(err).To(MatchError(client.ErrNotReady))

			stream.Feed([]byte("$3\r\nbar\r\n"))
			Expect(result(f)).To(Equal(protocol.Bulk{Value: []byte("bar")}))
		})

		It("rejects invalid commands without writing or queueing them", func() {
			_, err := session.Fetch(protocol.Command{})
			Expect(err).To(MatchError(protocol.ErrEmptyCommand))
			Expect(stream.written.Len()).To(BeZero())

			// With nothing queued the reply is out of band
			stream.Feed([]byte("+OK\r\n"))
			Eventually(session.Pushes()).Should(Receive(Equal(protocol.Simple{Status: "OK"})))
		})

		It("fails the request if the write fails", func() {
			stream.writeErr = io.ErrClosedPipe

			f := fetch("PING")
			_, err := result(f)
			Expect(errors.Is(err, client.ErrClosed)).To(BeTrue())
			Expect(errors.Is(err, io.ErrClosedPipe)).To(BeTrue())

			// The failed request was never queued
			stream.writeErr = nil
			g := fetch("PING")
			stream.Feed([]byte("+PONG\r\n"))
			Expect(result(g)).To(Equal(protocol.Simple{Status: "PONG"}))
		})
	})

	Describe("streaming reassembly", func() {
		DescribeTable("yields the same reply as Decode however the frame is split",
			func(frame string) {
				check := func(f *client.Future) {
					reply, err := result(f)
					expectDecoded(reply, err, frame)
				}

				By("feeding the whole frame at once")
				f := fetch("X")
				stream.Feed([]byte(frame))
				check(f)

				By("feeding it byte by byte")
				f = fetch("X")
				stream.FeedEach([]byte(frame), 1)
				check(f)

				By("splitting it in two at every position")
				for i := 1; i < len(frame); i++ {
					f = fetch("X")
					stream.Feed([]byte(frame[:i]))
					Expect(f.Done()).NotTo(BeClosed())
					stream.Feed([]byte(frame[i:]))
					check(f)
				}
			},
			Entry("simple", replyFrames[0]),
			Entry("error", replyFrames[1]),
			Entry("integer", replyFrames[2]),
			Entry("null bulk", replyFrames[3]),
			Entry("bulk", replyFrames[4]),
			Entry("empty bulk", replyFrames[5]),
			Entry("bulk containing CRLF", replyFrames[6]),
			Entry("null array", replyFrames[7]),
			Entry("empty array", replyFrames[8]),
			Entry("array", replyFrames[9]),
			Entry("mixed array", replyFrames[10]),
			Entry("array of null, status and error elements", replyFrames[11]),
			Entry("nested arrays", replyFrames[12]),
			Entry("deeply nested arrays", replyFrames[13]),
		)

		It("hands error replies to the request as a *protocol.Error", func() {
			f := fetch("INCR", "foo")
			stream.Feed([]byte("-ERR value is not an integer or out of range\r\n"))

			_, err := result(f)
			var replyErr *protocol.Error
			Expect(errors.As(err, &replyErr)).To(BeTrue())
			Expect(replyErr.Message).To(Equal("ERR value is not an integer or out of range"))
		})
	})

	Describe("pipelining", func() {
		It("matches replies to requests in the order they were sent", func() {
			const n = 50

			futures := make([]*client.Future, n)
			var replies []byte
			for i := 0; i < n; i++ {
				futures[i] = fetch("INCR", "c")
				replies = append(replies, []byte(":"+strconv.Itoa(i+1)+"\r\n")...)
			}

			stream.FeedEach(replies, 1)

			for i, f := range futures {
				Expect(result(f)).To(Equal(protocol.Integer(i + 1)))
			}
		})

		It("delivers every shape in order when all replies arrive byte by byte", func() {
			futures := make([]*client.Future, len(replyFrames))
			var wire []byte
			for i, frame := range replyFrames {
				futures[i] = fetch("X", i)
				wire = append(wire, frame...)
			}

			stream.FeedEach(wire, 1)

			for i, f := range futures {
				By(fmt.Sprintf("checking reply %d", i))
				reply, err := result(f)
				expectDecoded(reply, err, replyFrames[i])
			}
		})

		It("keeps going after an error reply", func() {
			a, b, c := fetch("SET", "k", "v"), fetch("LPUSH", "k", "x"), fetch("GET", "k")

			stream.FeedEach([]byte("+OK\r\n-WRONGTYPE Operation against a key holding the wrong kind of value\r\n$1\r\nv\r\n"), 3)

			Expect(result(a)).To(Equal(protocol.Simple{Status: "OK"}))

			_, err := result(b)
			Expect(err).To(BeAssignableToTypeOf(&protocol.Error{}))
			Expect(err.(*protocol.Error).Prefix()).To(Equal("WRONGTYPE"))

			Expect(result(c)).To(Equal(protocol.Bulk{Value: []byte("v")}))
		})

		It("keeps going after a frame with an unknown type", func() {
			a, b, c := fetch("A"), fetch("B"), fetch("C")

			stream.FeedEach([]byte(":1\r\n?garbage\r\n:3\r\n"), 1)

			Expect(result(a)).To(Equal(protocol.Integer(1)))

			_, err := result(b)
			Expect(errors.Is(err, protocol.ErrUnknownType)).To(BeTrue())

			Expect(result(c)).To(Equal(protocol.Integer(3)))
		})

		It("keeps going after a malformed header", func() {
			a, b := fetch("A"), fetch("B")

			stream.Feed([]byte("$abc\r\n+OK\r\n"))

			_, err := result(a)
			Expect(errors.Is(err, protocol.ErrInvalidLength)).To(BeTrue())
			Expect(result(b)).To(Equal(protocol.Simple{Status: "OK"}))
		})

		It("keeps going after a malformed element", func() {
			a, b := fetch("A"), fetch("B")

			stream.Feed([]byte("*2\r\n:1\r\n?x\r\n:2\r\n"))

			_, err := result(a)
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
			Expect(result(b)).To(Equal(protocol.Integer(2)))
		})

		It("keeps going after a malformed integer", func() {
			a, b := fetch("A"), fetch("B")

			stream.Feed([]byte(":nope\r\n:2\r\n"))

			_, err := result(a)
			Expect(errors.Is(err, protocol.ErrInvalidInteger)).To(BeTrue())
			Expect(result(b)).To(Equal(protocol.Integer(2)))
		})

		It("keeps going after a bulk length that overflows", func() {
			a, b := fetch("A"), fetch("B")

			stream.Feed([]byte("$9223372036854775807\r\n:2\r\n"))

			_, err := result(a)
			Expect(errors.Is(err, protocol.ErrInvalidLength)).To(BeTrue())
			Expect(result(b)).To(Equal(protocol.Integer(2)))
		})

		It("keeps going after an element length that overflows", func() {
			a, b := fetch("A"), fetch("B")

			stream.Feed([]byte("*2\r\n$9223372036854775807\r\n:2\r\n"))

			_, err := result(a)
			Expect(errors.Is(err, protocol.ErrInvalidLength)).To(BeTrue())
			Expect(result(b)).To(Equal(protocol.Integer(2)))
		})

		It("fails the reply if its body cannot be requested", func() {
			a, b := fetch("A"), fetch("B")

			stream.readBytesErr = transport.ErrInvalidRead
			stream.Feed([]byte("$3\r\n"))

			_, err := result(a)
			Expect(errors.Is(err, transport.ErrInvalidRead)).To(BeTrue())

			stream.readBytesErr = nil
			stream.Feed([]byte(":2\r\n"))
			Expect(result(b)).To(Equal(protocol.Integer(2)))
		})

		It("keeps going after a callback panics", func() {
			Expect(session.FetchFunc(protocol.MustCommand("A"), func(protocol.Reply, error) {
				panic("boom")
			})).To(Succeed())
			b := fetch("B")

			stream.Feed([]byte(":1\r\n:2\r\n"))

			Expect(result(b)).To(Equal(protocol.Integer(2)))
		})

		It("calls callbacks with the reply", func() {
			var got []protocol.Reply
			for i := 0; i < 3; i++ {
				Expect(session.FetchFunc(protocol.MustCommand("GET", i), func(reply protocol.Reply, err error) {
					Expect(err).To(Succeed())
					got = append(got, reply)
				})).To(Succeed())
			}

			stream.Feed([]byte("$1\r\na\r\n$-1\r\n$1\r\nc\r\n"))

			Expect(got).To(Equal([]protocol.Reply{
				protocol.Bulk{Value: []byte("a")},
				protocol.NullBulk,
				protocol.Bulk{Value: []byte("c")},
			}))
		})
	})

	Describe("Pipeline()", func() {
		It("returns every result in order", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			loop := transport.NewLoop(nil)
			go loop.Run(ctx)

			stream := &fakeStream{}
			session := client.New(loop, stream, client.Options{})

			// written reads the stream from the loop, like the session does
			written := func() string {
				out := make(chan string, 1)
				loop.Post(func() { out <- stream.written.String() })
				return <-out
			}

			done := make(chan []client.Result, 1)
			go func() {
				defer GinkgoRecover()
				results, err := session.Pipeline(ctx,
					protocol.MustCommand("SET", "a", 1),
					protocol.MustCommand("INCR", "b"),
					protocol.MustCommand("GET", "a"),
				)
				Expect(err).To(Succeed())
				done <- results
			}()

			// Commands are written and queued in one loop task
			Eventually(written).Should(HaveSuffix("*2\r\n$3\r\nGET\r\n$1\r\na\r\n"))
			loop.Post(func() {
				stream.FeedEach([]byte("+OK\r\n-ERR not an integer\r\n$1\r\n1\r\n"), 2)
			})

			var results []client.Result
			Eventually(done).Should(Receive(&results))
			Expect(results).To(HaveLen(3))
			Expect(results[0]).To(Equal(client.Result{Reply: protocol.Simple{Status: "OK"}}))
			Expect(results[1].Err).To(MatchError("ERR not an integer"))
			Expect(results[2].Reply).To(Equal(protocol.Bulk{Value: []byte("1")}))
		})

		It("sends nothing if any command is invalid", func() {
			_, err := session.Pipeline(context.Background(), protocol.MustCommand("PING"), protocol.Command{})
			Expect(err).To(MatchError(ContainSubstring("command 1")))
			Expect(errors.Is(err, protocol.ErrEmptyCommand)).To(BeTrue())
			Expect(stream.written.Len()).To(BeZero())
		})

		It("stops waiting when the context ends", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			results, err := session.Pipeline(ctx, protocol.MustCommand("PING"))
			Expect(err).To(MatchError(context.Canceled))
			Expect(results).To(BeEmpty())
		})
	})

	Describe("Do()", func() {
		It("returns the context error while the reply is outstanding", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := session.Do(ctx, "GET", "k")
			Expect(err).To(MatchError(context.Canceled))
		})

		It("rejects invalid arguments", func() {
			_, err := session.Do(context.Background(), "SET", struct{}{})
			Expect(errors.Is(err, protocol.ErrInvalidArgument)).To(BeTrue())
		})
	})

	Describe("out of band replies", func() {
		It("sends replies nobody asked for to Pushes", func() {
			f := fetch("SUBSCRIBE", "news")
			stream.Feed([]byte("*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"))
			Expect(result(f)).To(BeAssignableToTypeOf(protocol.Array{}))

			stream.Feed([]byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$2\r\nhi\r\n"))

			var push protocol.Reply
			Eventually(session.Pushes()).Should(Receive(&push))
			Expect(protocol.Value(push)).To(Equal([]interface{}{
				[]byte("message"), []byte("news"), []byte("hi"),
			}))
		})

		It("drops pushes once the buffer is full", func() {
			stream.Feed([]byte(":1\r\n:2\r\n:3\r\n"))

			Expect(session.Pushes()).To(Receive(Equal(protocol.Integer(1))))
			Expect(session.Pushes()).To(Receive(Equal(protocol.Integer(2))))
			Expect(session.Pushes()).NotTo(Receive())
		})

		It("does not wedge on a malformed frame with nothing pending", func() {
			stream.Feed([]byte("?what\r\n"))

			f := fetch("PING")
			stream.Feed([]byte("+PONG\r\n"))
			Expect(result(f)).To(Equal(protocol.Simple{Status: "PONG"}))
		})
	})

	Describe("Close()", func() {
		It("fails pending requests and closes the stream", func() {
			a, b := fetch("A"), fetch("B")

			Expect(session.Close()).To(Succeed())
			Expect(stream.closed).To(BeTrue())

			for _, f := range []*client.Future{a, b} {
				_, err := result(f)
				Expect(err).To(MatchError(client.ErrClosed))
			}

			Eventually(session.Pushes()).Should(BeClosed())
		})

		It("refuses new requests", func() {
			Expect(session.Close()).To(Succeed())
			Expect(session.Close()).To(Succeed())

			_, err := session.Fetch(protocol.MustCommand("PING"))
			Expect(err).To(MatchError(client.ErrClosed))
		})

		It("refuses new requests once the loop has stopped", func() {
			loop.stopped = true

			_, err := session.Fetch(protocol.MustCommand("PING"))
			Expect(err).To(MatchError(client.ErrClosed))
		})
	})

	Describe("transport failure", func() {
		It("fails pending requests with the transport error", func() {
			a := fetch("A")

			stream.Fail(io.EOF)

			_, err := result(a)
			Expect(errors.Is(err, client.ErrClosed)).To(BeTrue())
			Expect(errors.Is(err, io.EOF)).To(BeTrue())
			Eventually(session.Pushes()).Should(BeClosed())
		})

		It("fails requests sent afterwards", func() {
			stream.Fail(io.EOF)

			f := fetch("A")
			_, err := result(f)
			Expect(err).To(MatchError(client.ErrClosed))
		})

		It("drops a half received reply", func() {
			a, b := fetch("A"), fetch("B")

			stream.Feed([]byte(":1\r\n$10\r\nhal"))
			Expect(result(a)).To(Equal(protocol.Integer(1)))

			stream.Fail(io.ErrUnexpectedEOF)

			_, err := result(b)
			Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
		})
	})
})

var _ = Describe("Session / metrics", func() {
	It("counts requests, replies and faults", func() {
		reg := prometheus.NewRegistry()
		metrics := client.NewMetrics(reg)

		stream := &fakeStream{}
		session := client.New(&inlineLoop{}, stream, client.Options{Metrics: metrics})

		for i := 0; i < 4; i++ {
			_, err := session.Fetch(protocol.MustCommand("X"))
			Expect(err).To(Succeed())
		}

		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP redisclient_pending_requests Number of commands waiting for a reply.
# TYPE redisclient_pending_requests gauge
redisclient_pending_requests 4
`), "redisclient_pending_requests")).To(Succeed())

		stream.Feed([]byte("+OK\r\n-ERR x\r\n?bad\r\n$1\r\na\r\n"))

		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP redisclient_framing_faults_total Total number of malformed reply frames.
# TYPE redisclient_framing_faults_total counter
redisclient_framing_faults_total 1
# HELP redisclient_pending_requests Number of commands waiting for a reply.
# TYPE redisclient_pending_requests gauge
redisclient_pending_requests 0
# HELP redisclient_replies_total Total number of replies dispatched, by reply type.
# TYPE redisclient_replies_total counter
redisclient_replies_total{type="bulk"} 1
redisclient_replies_total{type="error"} 1
redisclient_replies_total{type="fault"} 1
redisclient_replies_total{type="simple"} 1
# HELP redisclient_requests_total Total number of commands written to the server.
# TYPE redisclient_requests_total counter
redisclient_requests_total 4
`), "redisclient_framing_faults_total", "redisclient_pending_requests", "redisclient_replies_total", "redisclient_requests_total")).To(Succeed())
	})
})

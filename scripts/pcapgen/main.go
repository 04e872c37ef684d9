package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"time"

	"PcapSanitizer/internal/testutil/tlscap"
	"PcapSanitizer/pkg/pcap"
)

type options struct {
	sessions int
	records  int
	maxSize  int
	split    int
	plain    bool
	dup      bool
}

func main() {
	outputFile := flag.String("o", "tls.pcap", "Output capture file path (.pcap or .pcapng)")
	opts := options{}
	flag.IntVar(&opts.sessions, "s", 10, "Number of TLS sessions to generate")
	flag.IntVar(&opts.records, "r", 20, "Application data records per session")
	flag.IntVar(&opts.maxSize, "max", 4000, "Maximum record body size")
	flag.IntVar(&opts.split, "mss", 1400, "Split record bytes into segments of at most this size")
	flag.BoolVar(&opts.plain, "plain", false, "Add a cleartext HTTP session per TLS session")
	flag.BoolVar(&opts.dup, "dup", false, "Duplicate every tenth packet")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	packets := generate(rng, opts)

	log.Printf("Writing %d packets into %s...", len(packets), *outputFile)
	var err error
	if pcap.FormatFromPath(*outputFile) == pcap.FormatPcapNG {
		err = tlscap.WriteNgFile(*outputFile, packets)
	} else {
		err = tlscap.WriteFile(*outputFile, packets)
	}
	if err != nil {
		log.Fatalf("Failed to write capture: %v", err)
	}
	log.Printf("Successfully generated %d sessions into %s.", opts.sessions, *outputFile)
}

func generate(rng *rand.Rand, opts options) [][]byte {
	var packets [][]byte
	for i := 0; i < opts.sessions; i++ {
		client := tlscap.Endpoint{IP: randomIP(rng, 10), Port: uint16(rng.Intn(65535-1024) + 1024)}
		server := tlscap.Endpoint{IP: randomIP(rng, 198), Port: 443}
		conn := tlscap.NewConn(client, server, rng.Uint32(), rng.Uint32())

		packets = append(packets, conn.Handshake()...)
		packets = append(packets, segments(conn.FromClient, tlscap.Record(tlscap.Handshake, tlscap.Body(200+rng.Intn(300), 1)), opts.split)...)
		packets = append(packets, segments(conn.FromServer, tlscap.Record(tlscap.Handshake, tlscap.Body(1500+rng.Intn(3000), 2)), opts.split)...)
		packets = append(packets, conn.FromClient(tlscap.Record(tlscap.ChangeCipherSpec, []byte{1})))
		packets = append(packets, conn.FromServer(tlscap.Record(tlscap.ChangeCipherSpec, []byte{1})))

		for r := 0; r < opts.records; r++ {
			rec := tlscap.Record(tlscap.ApplicationData, tlscap.Body(1+rng.Intn(opts.maxSize), byte(r)))
			send := conn.FromClient
			if rng.Intn(2) == 0 {
				send = conn.FromServer
			}
			packets = append(packets, segments(send, rec, opts.split)...)
		}

		if opts.plain {
			web := tlscap.Endpoint{IP: server.IP, Port: 80}
			http := tlscap.NewConn(client, web, rng.Uint32(), rng.Uint32())
			packets = append(packets, http.Handshake()...)
			packets = append(packets, http.FromClient([]byte("GET /index.html HTTP/1.1\r\nHost: example.org\r\n\r\n")))
		}
	}

	if opts.dup {
		var out [][]byte
		for i, p := range packets {
			out = append(out, p)
			if i%10 == 9 {
				out = append(out, p)
			}
		}
		packets = out
	}
	return packets
}

// segments cuts b into chunks of at most mss bytes, one packet each.
func segments(send func([]byte) []byte, b []byte, mss int) [][]byte {
	if mss <= 0 {
		mss = len(b)
	}
	var out [][]byte
	for len(b) > 0 {
		n := mss
		if n > len(b) {
			n = len(b)
		}
		out = append(out, send(b[:n]))
		b = b[n:]
	}
	return out
}

func randomIP(rng *rand.Rand, first byte) net.IP {
	return net.IP{first, byte(rng.Intn(256)), byte(rng.Intn(256)), byte(1 + rng.Intn(254))}
}

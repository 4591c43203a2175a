// emrtd-read reads an electronic travel document through a PC/SC reader.
//
// It establishes access with PACE when the document advertises it (BAC
// otherwise), reads EF.COM, EF.SOD and every signed data group, and runs
// passive authentication against the given CSCA certificates.
//
// Usage:
//
//	emrtd-read [options]
//
// Options:
//
//	-reader   PC/SC reader index (default: 0)
//	-doc      Document number from the MRZ
//	-birth    Date of birth, YYMMDD
//	-expiry   Date of expiry, YYMMDD
//	-can      Card access number (PACE only, replaces the MRZ key)
//	-csca     PEM file with CSCA trust anchors (optional)
//	-timeout  Per-command transport timeout (default: 5s)
//	-bac      Force BAC even when the document supports PACE
//	-v        Verbose protocol logging
//
// Example:
//
//	emrtd-read -doc L898902C -birth 690806 -expiry 940623 -csca csca.pem
package main

import (
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pion/logging"

	"github.com/nfcdoc/emrtd/pkg/emrtd"
	"github.com/nfcdoc/emrtd/pkg/mrz"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

func main() {
	var (
		readerIndex = flag.Int("reader", 0, "PC/SC reader index")
		docNumber   = flag.String("doc", "", "document number from the MRZ")
		birth       = flag.String("birth", "", "date of birth (YYMMDD)")
		expiry      = flag.String("expiry", "", "date of expiry (YYMMDD)")
		can         = flag.String("can", "", "card access number")
		cscaPath    = flag.String("csca", "", "PEM file with CSCA trust anchors")
		timeout     = flag.Duration("timeout", 5*time.Second, "per-command transport timeout")
		forceBAC    = flag.Bool("bac", false, "force BAC even when PACE is available")
		verbose     = flag.Bool("v", false, "verbose protocol logging")
	)
	flag.Parse()

	config := emrtd.Config{CAN: *can, ForceBAC: *forceBAC}
	if *docNumber != "" {
		key, err := mrz.Parse(*docNumber, *birth, *expiry)
		if err != nil {
			log.Fatalf("Invalid MRZ data: %v", err)
		}
		config.MRZ = key
	}
	if config.MRZ == nil && config.CAN == "" {
		fmt.Fprintln(os.Stderr, "either -doc/-birth/-expiry or -can is required")
		flag.Usage()
		os.Exit(2)
	}
	if *cscaPath != "" {
		pem, err := os.ReadFile(*cscaPath)
		if err != nil {
			log.Fatalf("Failed to read trust anchors: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			log.Fatalf("No certificates found in %s", *cscaPath)
		}
		config.TrustAnchors = pool
	}
	if *verbose {
		factory := logging.NewDefaultLoggerFactory()
		factory.DefaultLogLevel = logging.LogLevelTrace
		config.LoggerFactory = factory
	}

	pcsc, err := transport.ConnectPCSC(transport.PCSCConfig{
		ReaderIndex:   *readerIndex,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		log.Fatalf("Failed to connect to reader: %v", err)
	}
	defer pcsc.Close()

	reader := emrtd.NewReader(transport.WithTimeout(pcsc, *timeout), config)
	defer reader.Close()

	if err := reader.Connect(); err != nil {
		log.Fatalf("Failed to establish access: %v", err)
	}
	doc, err := reader.ReadDocument()
	if err != nil {
		log.Fatalf("Failed to read document: %v", err)
	}

	printDocument(pcsc.Reader(), reader.AccessMethod(), doc, config.TrustAnchors != nil)
	if !doc.Report.Authentic() {
		os.Exit(1)
	}
}

func printDocument(reader string, method emrtd.AccessMethod, doc *emrtd.Document, anchored bool) {
	fmt.Println("========================================")
	fmt.Println("         Travel Document Read")
	fmt.Println("========================================")
	fmt.Printf("Reader:         %s\n", reader)
	fmt.Printf("Access:         %s\n", method)
	fmt.Printf("LDS Version:    %s\n", doc.COM.LDSVersion)
	fmt.Println("----------------------------------------")
	for _, dg := range doc.SOD.DataGroups() {
		verdict := doc.Report.DataGroups[dg]
		size := len(doc.DataGroups[dg])
		fmt.Printf("DG%-2d            %-8v %6d bytes\n", dg, verdict, size)
	}
	fmt.Println("----------------------------------------")
	fmt.Printf("Signature:      %v", doc.Report.Signature)
	if doc.Report.SignatureError != nil {
		fmt.Printf(" (%v)", doc.Report.SignatureError)
	}
	fmt.Println()
	if !anchored {
		fmt.Println("Note:           no CSCA anchors given; chain not verified")
	}
	fmt.Printf("Authentic:      %t\n", doc.Report.Authentic())
	fmt.Println("========================================")
}

// Command pcscatr reads the ATR of a card in the first available PC/SC
// reader and prints the T=1 parameters this library would derive from it.
// The reader firmware has already run the reset sequence, so the ATR comes
// from scard.Status rather than from a live exchange.
package main

import (
	"bytes"
	"fmt"
	"log"

	"github.com/ebfe/scard"

	"github.com/younglifestyle/t1go/atr"
	"github.com/younglifestyle/t1go/common"
)

func main() {
	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("establish context: %v", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		log.Fatalf("list readers: %v", err)
	}
	if len(readers) == 0 {
		log.Fatal("no PC/SC reader found")
	}
	fmt.Printf("reader: %s\n", readers[0])

	card, err := ctx.Connect(readers[0], scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer card.Disconnect(scard.LeaveCard)

	status, err := card.Status()
	if err != nil {
		log.Fatalf("status: %v", err)
	}

	info, err := atr.Parse(bytes.NewReader(status.Atr))
	if err != nil {
		log.Fatalf("parse ATR %s: %v", common.Hex(status.Atr), err)
	}

	clock := atr.DefaultClock()
	fmt.Printf("ATR:        %s\n", common.Hex(info.Raw))
	fmt.Printf("convention: %s\n", info.Convention)
	fmt.Printf("T=1:        %t\n", info.HasT1())
	fmt.Printf("historical: %s\n", common.Hex(info.Historical))
	if info.HasT1() {
		fmt.Printf("IFSC:       %d\n", info.IFSC)
		fmt.Printf("EDC:        %s\n", info.EDC)
		fmt.Printf("CWT:        %s (CWI %d)\n", info.CWT(clock), info.CWI)
		fmt.Printf("BWT:        %s (BWI %d)\n", info.BWT(clock), info.BWI)
	}
}

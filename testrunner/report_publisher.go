// Command report_publisher feeds a zmqsniff instance with synthetic
// report.options chains, plus one malformed payload every tenth message.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/pebbe/zmq4"
)

type side struct {
	Delta float64 `json:"delta"`
}

type row struct {
	Strike float64 `json:"strike"`
	Call   side    `json:"call"`
	Put    side    `json:"put"`
}

type report struct {
	Underlying string `json:"underlying"`
	Expiry     string `json:"expiry"`
	Rows       []row  `json:"rows"`
}

// chain builds strikes around spot with a rough logistic call delta.
func chain(spot float64, strikes int) []row {
	rows := make([]row, 0, strikes)
	first := math.Round(spot/5)*5 - float64(strikes/2)*5
	for i := 0; i < strikes; i++ {
		k := first + float64(i)*5
		call := 1 / (1 + math.Exp((k-spot)/15))
		call = math.Round(call*1000) / 1000
		rows = append(rows, row{Strike: k, Call: side{Delta: call}, Put: side{Delta: math.Round((call-1)*1000) / 1000}})
	}
	return rows
}

func main() {
	endpoint := flag.String("endpoint", "tcp://*:5556", "endpoint to bind the PUB socket to")
	topic := flag.String("topic", "report.options", "topic frame")
	strikes := flag.Int("strikes", 7, "rows per report")
	interval := flag.Duration("interval", time.Second, "delay between reports")
	flag.Parse()

	publisher, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		fmt.Printf("Error creating socket: %v\n", err)
		return
	}
	defer publisher.Close()

	if err := publisher.Bind(*endpoint); err != nil {
		fmt.Printf("Error binding: %v\n", err)
		return
	}

	fmt.Printf("Publisher started on %s\n", *endpoint)
	fmt.Println("Waiting for subscribers to connect...")
	time.Sleep(2 * time.Second)

	counter := 0
	for {
		counter++

		var payload []byte
		if counter%10 == 0 {
			payload = []byte("not json")
		} else {
			spot := 4500 + 20*math.Sin(float64(counter)/5)
			payload, err = json.Marshal(report{
				Underlying: "SPX",
				Expiry:     time.Now().AddDate(0, 0, 30).Format("2006-01-02"),
				Rows:       chain(spot, *strikes),
			})
			if err != nil {
				fmt.Printf("Error encoding report: %v\n", err)
				return
			}
		}

		if _, err := publisher.SendMessage(*topic, payload); err != nil {
			fmt.Printf("Error sending: %v\n", err)
		} else {
			fmt.Printf("Published #%d: %d bytes\n", counter, len(payload))
		}
		time.Sleep(*interval)
	}
}

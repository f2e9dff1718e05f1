package main

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
)

const (
	batchSize    = 500
	concurrency  = 10
	jsonFilePath = "internal/testdata/purchases.txt"
	frequency    = 500 * time.Millisecond
)

func main() {
	cfg := config.MustLoad()

	saramaConfig := createSaramaConfig()
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		log.Fatalf("failed to create Kafka producer: %v", err)
	}
	defer closeProducer(producer)

	file, err := os.Open(jsonFilePath)
	if err != nil {
		log.Fatalf("failed to open file: %v", err)
	}
	defer closeFile(file)

	messageCh := make(chan []byte, batchSize*concurrency)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go worker(producer, messageCh, &wg, cfg.PurchaseConfirmedTopic)
	}

	processFile(file, messageCh)

	close(messageCh)
	wg.Wait()

	log.Println("message processing completed!")
}

func createSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = false
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Flush.Messages = batchSize
	config.Producer.Flush.Frequency = frequency
	config.Producer.Compression = sarama.CompressionSnappy
	return config
}

func closeProducer(producer sarama.AsyncProducer) {
	if err := producer.Close(); err != nil {
		log.Printf("failed to close producer: %v", err)
	}
}

func closeFile(file *os.File) {
	if err := file.Close(); err != nil {
		log.Printf("failed to close file: %v", err)
	}
}

func worker(producer sarama.AsyncProducer, messageCh <-chan []byte, wg *sync.WaitGroup, topic string) {
	defer wg.Done()
	for msg := range messageCh {
		producer.Input() <- &sarama.ProducerMessage{
			Topic: topic,
			Value: sarama.ByteEncoder(msg),
		}
	}
}

// processFile reads one PURCHASE_CONFIRMED payload per line and wraps each
// in a fresh envelope correlated by its payment id.
func processFile(file *os.File, messageCh chan<- []byte) {
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var payload domain.PurchaseConfirmedPayload
		if err := json.Unmarshal(line, &payload); err != nil {
			log.Printf("skipping malformed line: %v", err)
			continue
		}

		env, err := domain.NewEnvelope(payload.PaymentID, domain.EventPurchaseConfirmed, "producer-imitation", payload)
		if err != nil {
			log.Printf("failed to build envelope: %v", err)
			continue
		}

		msg, err := json.Marshal(env)
		if err != nil {
			log.Printf("failed to marshal envelope: %v", err)
			continue
		}

		messageCh <- msg
	}

	if err := scanner.Err(); err != nil {
		log.Printf("error reading file: %v", err)
	}
}

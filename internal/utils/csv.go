package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"imbalanceBars/internal/domain"
)

func WriteKlinesToCSV(klines []*domain.Kline, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"})

	for _, k := range klines {
		writer.Write([]string{
			k.OpenTime.Format(time.RFC3339),
			k.CloseTime.Format(time.RFC3339),
			k.Symbol,
			k.Interval,
			strconv.FormatFloat(k.Open, 'f', -1, 64),
			strconv.FormatFloat(k.High, 'f', -1, 64),
			strconv.FormatFloat(k.Low, 'f', -1, 64),
			strconv.FormatFloat(k.Close, 'f', -1, 64),
			strconv.FormatFloat(k.Volume, 'f', -1, 64),
		})
	}
	return writer.Error()
}

// ReadKlinesFromCSV loads klines from a file produced by WriteKlinesToCSV.
func ReadKlinesFromCSV(filename string) ([]*domain.Kline, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read CSV header from %s: %w", filename, err)
	}

	var klines []*domain.Kline
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record at line %d: %w", line, err)
		}
		if len(record) != 9 {
			return nil, fmt.Errorf("unexpected field count %d at line %d", len(record), line)
		}

		k := &domain.Kline{Symbol: record[2], Interval: record[3], IsFinal: true}
		if k.OpenTime, err = time.Parse(time.RFC3339, record[0]); err != nil {
			return nil, fmt.Errorf("invalid open_time at line %d: %w", line, err)
		}
		if k.CloseTime, err = time.Parse(time.RFC3339, record[1]); err != nil {
			return nil, fmt.Errorf("invalid close_time at line %d: %w", line, err)
		}
		if k.Open, err = strconv.ParseFloat(record[4], 64); err != nil {
			return nil, fmt.Errorf("invalid open at line %d: %w", line, err)
		}
		if k.High, err = strconv.ParseFloat(record[5], 64); err != nil {
			return nil, fmt.Errorf("invalid high at line %d: %w", line, err)
		}
		if k.Low, err = strconv.ParseFloat(record[6], 64); err != nil {
			return nil, fmt.Errorf("invalid low at line %d: %w", line, err)
		}
		if k.Close, err = strconv.ParseFloat(record[7], 64); err != nil {
			return nil, fmt.Errorf("invalid close at line %d: %w", line, err)
		}
		if k.Volume, err = strconv.ParseFloat(record[8], 64); err != nil {
			return nil, fmt.Errorf("invalid volume at line %d: %w", line, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func WriteBarsToCSV(bars []*domain.Bar, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"start_time", "end_time", "symbol", "open", "high", "low", "close", "volume", "samples", "complete"})

	for _, b := range bars {
		writer.Write([]string{
			b.StartTime.Format(time.RFC3339),
			b.EndTime.Format(time.RFC3339),
			b.Symbol,
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			strconv.Itoa(b.Samples),
			strconv.FormatBool(b.Complete),
		})
	}
	return writer.Error()
}

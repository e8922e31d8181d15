package vaultfs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls parallel sector processing
type ParallelConfig struct {
	// Enabled enables parallel sector processing
	Enabled bool `yaml:"enabled"`

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int `yaml:"max_workers" validate:"min=0,max=1024"`

	// MinSectorsForParallel is the minimum number of sectors to use parallel processing
	// Below this threshold, sequential processing is used
	MinSectorsForParallel int `yaml:"min_sectors_for_parallel" validate:"min=1,max=1000000"`
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinSectorsForParallel < 1 {
		return errors.New("parallel min sectors threshold must be at least 1")
	}
	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:               true,
		MaxWorkers:            runtime.NumCPU(),
		MinSectorsForParallel: 64,
	}
}

// transformSectors encrypts or decrypts the consecutive sectors in buf, the
// first of which has index first. len(buf) must be a multiple of the sector size.
func (s *SectorStream) transformSectors(buf []byte, first int64, encrypt bool) error {
	size := s.cipher.size
	count := len(buf) / size
	if count == 0 {
		return nil
	}

	if s.metrics != nil {
		direction := "decrypt"
		if encrypt {
			direction = "encrypt"
		}
		s.metrics.SectorTransformsTotal.WithLabelValues(direction).Add(float64(count))
	}

	// Determine number of workers
	numWorkers := s.parallel.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	// Limit workers to number of sectors
	if numWorkers > count {
		numWorkers = count
	}

	// Check if parallel processing is worth it
	if !s.parallel.Enabled || count < s.parallel.MinSectorsForParallel || numWorkers < 2 {
		for i := 0; i < count; i++ {
			s.cipher.transform(buf[i*size:(i+1)*size], first+int64(i), encrypt)
		}
		return nil
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, count)
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					// Convert panic to error
					err := fmt.Errorf("panic in sector worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				s.cipher.transform(buf[idx*size:(idx+1)*size], first+int64(idx), encrypt)
			}
		}()
	}

	for i := 0; i < count; i++ {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

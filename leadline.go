/*
Copyright 2024 Leadline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package leadline

import (
	"embed"
	"fmt"

	"github.com/leadline-hq/leadline/bus"
	"github.com/leadline-hq/leadline/cache"
	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/database"
	"github.com/leadline-hq/leadline/driver"
	redis_db "github.com/leadline-hq/leadline/internal/redis-db"
	"github.com/redis/go-redis/v9"
)

// Leadline wires the workflow engine together: the job store, the control and
// progress bus, the site driver and the task queue.
type Leadline struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	bus        bus.Bus
	driver     driver.Driver
	progress   *ProgressPublisher
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewLeadline initializes the engine with the provided datasource and site
// driver. Redis, the bus, the queue and the progress publisher come up from
// configuration.
func NewLeadline(db database.IDataSource, drv driver.Driver) (*Leadline, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	newBus := bus.NewRedisBus(redisClient.Client())

	l := &Leadline{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		bus:        newBus,
		driver:     drv,
	}
	l.progress = NewProgressPublisher(newBus, cache.NewCacheFrom(redisClient.Client()))
	return l, nil
}

// Store exposes the job store to API read models.
func (l *Leadline) Store() database.IDataSource {
	return l.datasource
}

// Bus exposes the live traffic bus, used by the SSE stream.
func (l *Leadline) Bus() bus.Bus {
	return l.bus
}

// Progress exposes the progress publisher read side.
func (l *Leadline) Progress() *ProgressPublisher {
	return l.progress
}
